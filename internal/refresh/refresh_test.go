package refresh

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epdframe/internal/convert"
	"epdframe/internal/model"
	"epdframe/internal/plugin"
	"epdframe/internal/state"
)

// solidPlugin paints the whole working area in one colour and counts calls
// in its settings, like a real plugin advancing its own cursor.
type solidPlugin struct {
	c   color.Color
	err error
}

func (p solidPlugin) GenerateImage(_ context.Context, s plugin.Settings, dev model.Device) (image.Image, error) {
	if p.err != nil {
		return nil, p.err
	}
	s["calls"] = s.Int("calls", 0) + 1
	size := dev.WorkingSize()
	img := image.NewNRGBA(image.Rect(0, 0, size.Width, size.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(p.c), image.Point{}, draw.Src)
	return img, nil
}

type fakeDisplay struct {
	frames [][]byte
	sleeps int
	err    error
}

func (d *fakeDisplay) Show(_ context.Context, packed []byte) error {
	if d.err != nil {
		return d.err
	}
	d.frames = append(d.frames, packed)
	return nil
}
func (d *fakeDisplay) Sleep() error { d.sleeps++; return nil }
func (d *fakeDisplay) Close() error { return nil }

func newRunner(t *testing.T, dev model.Device) (*Runner, *fakeDisplay) {
	t.Helper()
	dir := t.TempDir()
	store, err := state.Open(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	reg := plugin.NewRegistry()
	reg.Register("red", solidPlugin{c: color.NRGBA{R: 255, A: 255}})
	reg.Register("blue", solidPlugin{c: color.NRGBA{B: 255, A: 255}})
	reg.Register("broken", solidPlugin{err: errors.New("feed down")})

	disp := &fakeDisplay{}
	return &Runner{
		Store:     store,
		Registry:  reg,
		Converter: convert.NewConverter(dev),
		Output:    filepath.Join(dir, "current_image.png"),
		Display:   disp,
		now:       func() time.Time { return time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC) },
	}, disp
}

var small = model.Device{Orientation: model.Horizontal, Resolution: model.Resolution{Width: 8, Height: 6}}

func TestCycleRotatesAndDisplays(t *testing.T) {
	r, disp := newRunner(t, small)
	require.NoError(t, r.Store.Put(state.Instance{ID: "r", Plugin: "red"}))
	require.NoError(t, r.Store.Put(state.Instance{ID: "b", Plugin: "blue"}))

	for _, want := range []string{"r", "b", "r"} {
		rep, err := r.Cycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, rep.InstanceID)
		assert.True(t, rep.Displayed)
	}

	require.Len(t, disp.frames, 3)
	assert.Equal(t, 3, disp.sleeps)
	assert.Equal(t, byte(0x44), disp.frames[0][0])
	assert.Equal(t, byte(0x33), disp.frames[1][0])
	assert.Len(t, disp.frames[0], convert.PackedLen(8, 6))

	red, err := r.Store.Instance("r")
	require.NoError(t, err)
	assert.Equal(t, 2, red.Settings.Int("calls", 0))

	last, id := r.Store.LastRefresh()
	assert.Equal(t, "r", id)
	assert.False(t, last.IsZero())

	img, err := convert.DecodeFile(r.Output)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())
}

func TestCycleVerticalWritesNativeSize(t *testing.T) {
	r, disp := newRunner(t, model.Device{Orientation: model.Vertical, Resolution: model.Resolution{Width: 8, Height: 6}})
	require.NoError(t, r.Store.Put(state.Instance{ID: "r", Plugin: "red"}))

	_, err := r.Cycle(context.Background())
	require.NoError(t, err)

	img, err := convert.DecodeFile(r.Output)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())
	assert.Len(t, disp.frames[0], 24)
}

func TestCycleBorderOverride(t *testing.T) {
	r, disp := newRunner(t, small)
	r.Border = 0
	require.NoError(t, r.Store.Put(state.Instance{ID: "r", Plugin: "red", Settings: plugin.Settings{BorderKey: "50"}}))

	_, err := r.Cycle(context.Background())
	require.NoError(t, err)
	// A 50% border leaves white in the corners.
	assert.Equal(t, byte(convert.White), disp.frames[0][0]>>4)
}

func TestCycleErrors(t *testing.T) {
	r, disp := newRunner(t, small)
	_, err := r.Cycle(context.Background())
	assert.ErrorIs(t, err, ErrNoInstances)

	require.NoError(t, r.Store.Put(state.Instance{ID: "x", Plugin: "broken"}))
	_, err = r.Cycle(context.Background())
	assert.ErrorContains(t, err, "feed down")

	require.NoError(t, r.Store.Put(state.Instance{ID: "x", Plugin: "gone"}))
	_, err = r.Cycle(context.Background())
	assert.ErrorContains(t, err, "unknown plugin")

	require.NoError(t, r.Store.Put(state.Instance{ID: "x", Plugin: "red"}))
	disp.err = errors.New("spi")
	_, err = r.Cycle(context.Background())
	assert.ErrorContains(t, err, "display")
	_, statErr := os.Stat(r.Output)
	assert.NoError(t, statErr, "current image is written before the panel is driven")
}

func TestShowKeepsCursor(t *testing.T) {
	r, _ := newRunner(t, small)
	require.NoError(t, r.Store.Put(state.Instance{ID: "r", Plugin: "red"}))
	require.NoError(t, r.Store.Put(state.Instance{ID: "b", Plugin: "blue"}))

	rep, err := r.Show(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "b", rep.InstanceID)

	rep, err = r.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r", rep.InstanceID)

	_, err = r.Show(context.Background(), "nope")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestEnsureCurrentImage(t *testing.T) {
	r, disp := newRunner(t, model.Device{Orientation: model.Horizontal, Resolution: model.Resolution{Width: 120, Height: 60}})
	require.NoError(t, r.EnsureCurrentImage(context.Background(), "http://frame.local:8080"))
	require.Len(t, disp.frames, 1)

	info, err := os.Stat(r.Output)
	require.NoError(t, err)

	require.NoError(t, r.EnsureCurrentImage(context.Background()))
	again, err := os.Stat(r.Output)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), again.ModTime())
	assert.Len(t, disp.frames, 1)
}

func TestScheduler(t *testing.T) {
	r, _ := newRunner(t, small)

	off, err := NewScheduler(context.Background(), "off", r)
	require.NoError(t, err)
	off.Start()
	assert.True(t, off.Next().IsZero())
	off.Stop(context.Background())

	_, err = NewScheduler(context.Background(), "every tuesday", r)
	assert.ErrorContains(t, err, "schedule")

	s, err := NewScheduler(context.Background(), "*/30 * * * *", r)
	require.NoError(t, err)
	s.Start()
	assert.False(t, s.Next().IsZero())
	s.Stop(context.Background())
}

// editingPlugin changes the stored instance while the cycle holds a copy.
type editingPlugin struct {
	solidPlugin
	store *state.Store
}

func (p editingPlugin) GenerateImage(ctx context.Context, s plugin.Settings, dev model.Device) (image.Image, error) {
	_, err := p.store.Update("e", func(inst *state.Instance, _ bool) error {
		inst.Settings["title"] = "edited elsewhere"
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.solidPlugin.GenerateImage(ctx, s, dev)
}

func TestCycleKeepsConcurrentSettingsEdits(t *testing.T) {
	r, _ := newRunner(t, small)
	r.Registry.Register("editing", editingPlugin{solidPlugin: solidPlugin{c: color.White}, store: r.Store})
	require.NoError(t, r.Store.Put(state.Instance{ID: "e", Plugin: "editing", Settings: plugin.Settings{"title": "old"}}))

	_, err := r.Cycle(context.Background())
	require.NoError(t, err)

	inst, err := r.Store.Instance("e")
	require.NoError(t, err)
	assert.Equal(t, "edited elsewhere", inst.Settings.String("title"))
	assert.Equal(t, 1, inst.Settings.Int("calls", 0))
}
