// Package refresh runs display cycles: pick the next plugin instance,
// render it, store the fitted image and push the frame to the panel.
package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"sync"
	"time"

	"epdframe/internal/config"
	"epdframe/internal/convert"
	"epdframe/internal/epd"
	appLog "epdframe/internal/log"
	"epdframe/internal/plugin"
	"epdframe/internal/state"
)

// BorderKey is the per-instance setting that overrides the configured
// border.
const BorderKey = "borderPercent"

// ErrNoInstances is returned by Cycle when nothing is configured.
var ErrNoInstances = errors.New("refresh: no plugin instances configured")

// Report describes a finished cycle.
type Report struct {
	InstanceID string        `json:"instance_id"`
	Plugin     string        `json:"plugin"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Displayed  bool          `json:"displayed"`
}

// Runner executes cycles one at a time.
type Runner struct {
	Store     *state.Store
	Registry  *plugin.Registry
	Converter *convert.Converter

	// Border is the default white margin in percent.
	Border int
	// Output is where the fitted PNG of the last cycle is written.
	Output string
	// Display is optional; nil means serve-only.
	Display epd.Display

	mu  sync.Mutex
	now func() time.Time
}

// Cycle renders the next instance in display order.
func (r *Runner) Cycle(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok, err := r.Store.Next()
	if err != nil {
		return Report{}, err
	}
	if !ok {
		return Report{}, ErrNoInstances
	}
	return r.run(ctx, inst)
}

// Show renders a specific instance without moving the rotation cursor.
func (r *Runner) Show(ctx context.Context, id string) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.Store.Instance(id)
	if err != nil {
		return Report{}, err
	}
	return r.run(ctx, inst)
}

func (r *Runner) run(ctx context.Context, inst state.Instance) (Report, error) {
	started := r.clock()
	rep := Report{InstanceID: inst.ID, Plugin: inst.Plugin}

	p, ok := r.Registry.Lookup(inst.Plugin)
	if !ok {
		return rep, fmt.Errorf("refresh: unknown plugin %q for instance %s", inst.Plugin, inst.ID)
	}

	before := inst.Settings.Clone()
	img, err := p.GenerateImage(ctx, inst.Settings, r.Converter.Device)
	if err != nil {
		return rep, fmt.Errorf("refresh: %s: %w", inst.ID, err)
	}
	// Only the plugin's own edits go back; uploads may have landed meanwhile.
	set, removed := inst.Settings.Changes(before)
	if err := r.Store.ApplySettings(inst.ID, set, removed); err != nil {
		appLog.Warn("refresh: persisting plugin settings failed", err, "instance", inst.ID)
	}

	res, err := r.Converter.Convert(img, inst.Settings.Int(BorderKey, r.Border))
	if err != nil {
		return rep, fmt.Errorf("refresh: %s: %w", inst.ID, err)
	}
	if err := writePNG(r.Output, res); err != nil {
		return rep, err
	}

	if r.Display != nil {
		if err := r.Display.Show(ctx, res.Packed); err != nil {
			return rep, fmt.Errorf("refresh: display: %w", err)
		}
		if err := r.Display.Sleep(); err != nil {
			appLog.Warn("refresh: panel sleep failed", err)
		}
		rep.Displayed = true
	}

	now := r.clock()
	if err := r.Store.MarkRefreshed(inst.ID, now); err != nil {
		appLog.Warn("refresh: recording cycle failed", err, "instance", inst.ID)
	}
	rep.Elapsed = now.Sub(started)
	appLog.Info("refresh cycle done",
		"instance", inst.ID,
		"plugin", inst.Plugin,
		"elapsed", rep.Elapsed.Round(time.Millisecond).String(),
		"displayed", rep.Displayed,
	)
	return rep, nil
}

func writePNG(path string, res *convert.Result) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, res.Fitted); err != nil {
		return fmt.Errorf("refresh: encode current image: %w", err)
	}
	if err := config.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return convert.PartialWrite("write current image", err)
	}
	return nil
}

// EnsureCurrentImage writes a startup card to Output unless an image is
// already there, so a fresh install has something to serve.
func (r *Runner) EnsureCurrentImage(ctx context.Context, lines ...string) error {
	if _, err := os.Stat(r.Output); err == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.Converter.Convert(StartupImage(r.Converter.Device.WorkingSize(), lines...), 0)
	if err != nil {
		return err
	}
	if err := writePNG(r.Output, res); err != nil {
		return err
	}
	appLog.Info("startup image written", "path", r.Output)
	if r.Display != nil {
		if err := r.Display.Show(ctx, res.Packed); err != nil {
			return fmt.Errorf("refresh: display: %w", err)
		}
	}
	return nil
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}
