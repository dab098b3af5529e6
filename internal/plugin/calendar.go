package plugin

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"strings"
	"time"

	"github.com/disintegration/gift"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"epdframe/internal/convert"
	"epdframe/internal/ics"
	appLog "epdframe/internal/log"
	"epdframe/internal/model"
)

// CalendarID is the registry ID of the agenda plugin.
const CalendarID = "calendar"

const (
	defaultAgendaDays = 7
	lineHeight        = 15
	margin            = 6
)

// Calendar draws an agenda of upcoming events from one or more ICS feeds.
//
// Settings: "ics_url" or "calendars[]", "days", "timezone", "title".
type Calendar struct {
	fetcher *ics.Fetcher
	now     func() time.Time
}

// NewCalendar returns a Calendar caching feeds under cacheDir.
func NewCalendar(cacheDir string) *Calendar {
	return &Calendar{fetcher: ics.NewFetcher(cacheDir), now: time.Now}
}

func (p *Calendar) GenerateImage(ctx context.Context, s Settings, dev model.Device) (image.Image, error) {
	urls := s.Strings("calendars[]")
	if u := s.String("ics_url"); u != "" {
		urls = append([]string{u}, urls...)
	}
	if len(urls) == 0 {
		return nil, errors.New("calendar: no calendar URL configured")
	}

	loc := time.Local
	if tz := s.String("timezone"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("calendar: timezone %q: %w", tz, err)
		}
		loc = l
	}

	now := p.now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	days := s.Int("days", defaultAgendaDays)
	if days <= 0 {
		days = defaultAgendaDays
	}

	sources := make([]ics.Source, len(urls))
	for i, u := range urls {
		sources[i] = ics.Source{ID: fmt.Sprintf("cal%d", i), URL: u}
	}
	results, errs := p.fetcher.FetchAll(ctx, sources)
	if len(results) == 0 {
		return nil, fmt.Errorf("calendar: %w", errors.Join(errs...))
	}

	var events []ics.ParsedEvent
	for _, r := range results {
		evs, err := ics.ParseICS(r.Source, r.Body)
		if err != nil {
			appLog.Warn("calendar: parse failed", err, "source", r.Source.ID)
			continue
		}
		events = append(events, evs...)
	}

	occ, err := ics.ExpandOccurrences(events, ics.ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      now,
		RangeEnd:        today.AddDate(0, 0, days),
	})
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}

	title := s.String("title")
	if title == "" {
		title = "Agenda"
	}
	return renderAgenda(title, occ, dev.WorkingSize()), nil
}

// renderAgenda lays the agenda out with the 7x13 bitmap font on a
// half-size canvas and scales it up 2x, which keeps glyph edges crisp for
// the quantizer.
func renderAgenda(title string, occ []model.Occurrence, size model.Resolution) image.Image {
	w, h := max(size.Width/2, 1), max(size.Height/2, 1)
	canvas := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(convert.Spectra6[convert.White]), image.Point{}, draw.Src)

	y := margin + lineHeight
	text := func(x int, s string, idx uint8) {
		d := font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(convert.Spectra6[idx]),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(x, y),
		}
		d.DrawString(truncate(s, (w-x-margin)/basicfont.Face7x13.Advance))
		y += lineHeight
	}

	text(margin, title, convert.Red)
	y += lineHeight / 2

	if len(occ) == 0 {
		text(margin, "No upcoming events", convert.Black)
	}
	var day string
	for _, o := range occ {
		if y > h-margin {
			break
		}
		if d := o.Start.Format("Mon Jan 2"); d != day {
			day = d
			text(margin, d, convert.Blue)
		}
		when := o.Start.Format("15:04")
		if o.AllDay {
			when = "all day"
		}
		line := fmt.Sprintf("%-7s %s", when, o.Summary)
		if o.Location != "" {
			line += " @ " + o.Location
		}
		text(margin*2, line, convert.Black)
	}

	g := gift.New(gift.Resize(size.Width, size.Height, gift.NearestNeighborResampling))
	out := image.NewNRGBA(g.Bounds(canvas.Bounds()))
	g.Draw(out, canvas)
	return out
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "~"
}
