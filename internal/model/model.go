package model

import (
	"fmt"
	"time"
)

// Orientation is how the frame is physically mounted.
type Orientation string

const (
	// Horizontal means the panel hangs in its native landscape position.
	Horizontal Orientation = "horizontal"
	// Vertical means the panel is turned 90° and images are composed in
	// portrait, then rotated back to the panel's native layout.
	Vertical Orientation = "vertical"
)

// Valid reports whether o is one of the known orientations.
func (o Orientation) Valid() bool {
	return o == Horizontal || o == Vertical
}

// Resolution is the physical pixel size of the panel in its native
// (landscape) layout.
type Resolution struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Device is the read-only description of the panel consumed by plugins and
// the conversion pipeline.
type Device struct {
	Orientation Orientation `json:"orientation"`
	Resolution  Resolution  `json:"resolution"`
}

// WorkingSize returns the canvas size images are composed at before any
// rotation: the physical resolution for horizontal frames, and the swapped
// resolution for vertical ones.
func (d Device) WorkingSize() Resolution {
	if d.Orientation == Vertical {
		return Resolution{Width: d.Resolution.Height, Height: d.Resolution.Width}
	}
	return d.Resolution
}

// Occurrence represents a single concrete instance of a calendar event
// (after recurrence expansion and timezone normalization). The calendar
// plugin renders a list of these.
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	Summary  string
	Location string

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}
