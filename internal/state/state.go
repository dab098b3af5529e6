// Package state keeps the frame's mutable document: plugin instances,
// their display order and the rotation cursor. It is persisted as one JSON
// file and rewritten atomically on every change.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"

	"epdframe/internal/config"
	"epdframe/internal/plugin"
)

// ErrNotFound is returned for unknown instance IDs.
var ErrNotFound = errors.New("state: instance not found")

// Instance is one configured use of a plugin, e.g. "holiday photos" for
// image_upload.
type Instance struct {
	ID       string          `json:"id"`
	Plugin   string          `json:"plugin"`
	Name     string          `json:"name"`
	Settings plugin.Settings `json:"settings"`
}

type document struct {
	Instances    []Instance `json:"instances"`
	Order        []string   `json:"order"`
	Cursor       int        `json:"cursor"`
	LastRefresh  time.Time  `json:"last_refresh,omitzero"`
	LastInstance string     `json:"last_instance,omitempty"`
}

// Store guards the state document. All methods are safe for concurrent
// use; returned instances are copies.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Open loads the document at path. A missing file yields an empty store;
// it is written on the first change.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, err
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", path, err)
	}
	s.doc.Order = s.reconcile(s.doc.Order)
	return s, nil
}

// Instances returns all instances in display order.
func (s *Store) Instances() []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Instance, 0, len(s.doc.Order))
	for _, id := range s.doc.Order {
		if i := s.index(id); i >= 0 {
			out = append(out, clone(s.doc.Instances[i]))
		}
	}
	return out
}

func (s *Store) Instance(id string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return Instance{}, ErrNotFound
	}
	return clone(s.doc.Instances[i]), nil
}

// Put inserts or replaces inst. New instances go to the end of the order.
func (s *Store) Put(inst Instance) error {
	if inst.ID == "" || inst.Plugin == "" {
		return errors.New("state: instance needs id and plugin")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inst = clone(inst)
	if i := s.index(inst.ID); i >= 0 {
		s.doc.Instances[i] = inst
	} else {
		s.doc.Instances = append(s.doc.Instances, inst)
		s.doc.Order = append(s.doc.Order, inst.ID)
	}
	return s.save()
}

// Delete removes the instance and returns it so the caller can run the
// plugin's cleanup.
func (s *Store) Delete(id string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return Instance{}, ErrNotFound
	}
	removed := s.doc.Instances[i]
	s.doc.Instances = slices.Delete(s.doc.Instances, i, i+1)
	if pos := slices.Index(s.doc.Order, id); pos >= 0 {
		s.doc.Order = slices.Delete(s.doc.Order, pos, pos+1)
		if pos < s.doc.Cursor {
			s.doc.Cursor--
		}
	}
	return removed, s.save()
}

// Order returns the display order.
func (s *Store) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.doc.Order)
}

// SetOrder replaces the display order. Every ID must exist and appear at
// most once; instances left out are appended in their previous order.
// The cursor restarts at the head of the new order.
func (s *Store) SetOrder(order []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if s.index(id) < 0 {
			return fmt.Errorf("state: unknown instance %q in order", id)
		}
		if seen[id] {
			return fmt.Errorf("state: duplicate instance %q in order", id)
		}
		seen[id] = true
	}
	s.doc.Order = s.reconcile(order)
	s.doc.Cursor = 0
	return s.save()
}

// Next returns the instance to show in this cycle and advances the cursor.
// ok is false when there are no instances.
func (s *Store) Next() (inst Instance, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.doc.Order) == 0 {
		return Instance{}, false, nil
	}
	if s.doc.Cursor < 0 || s.doc.Cursor >= len(s.doc.Order) {
		s.doc.Cursor = 0
	}
	id := s.doc.Order[s.doc.Cursor]
	s.doc.Cursor = (s.doc.Cursor + 1) % len(s.doc.Order)
	return clone(s.doc.Instances[s.index(id)]), true, s.save()
}

// Update runs fn on the stored instance id and saves the result, all
// under the store lock, so concurrent read-modify-write callers never
// overwrite each other. found is false when no such instance exists; fn
// may then fill in inst (ID preset, empty Settings) to create it, or
// return an error. Nothing is saved when fn fails.
func (s *Store) Update(id string, fn func(inst *Instance, found bool) error) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	inst := Instance{ID: id, Settings: plugin.Settings{}}
	if i >= 0 {
		inst = clone(s.doc.Instances[i])
	}
	if err := fn(&inst, i >= 0); err != nil {
		return Instance{}, err
	}
	if inst.ID != id || inst.Plugin == "" {
		return Instance{}, errors.New("state: update must keep the id and set a plugin")
	}

	if i >= 0 {
		s.doc.Instances[i] = inst
	} else {
		s.doc.Instances = append(s.doc.Instances, inst)
		s.doc.Order = append(s.doc.Order, id)
	}
	if err := s.save(); err != nil {
		return Instance{}, err
	}
	return clone(inst), nil
}

// ApplySettings merges the keys a plugin changed during a cycle into the
// stored settings. Keys it did not touch keep their current value, even if
// they changed while the plugin ran.
func (s *Store) ApplySettings(id string, set plugin.Settings, removed []string) error {
	_, err := s.Update(id, func(inst *Instance, found bool) error {
		if !found {
			return ErrNotFound
		}
		inst.Settings.Apply(set, removed)
		return nil
	})
	return err
}

// MarkRefreshed records a successful cycle.
func (s *Store) MarkRefreshed(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.LastRefresh = at.UTC()
	s.doc.LastInstance = id
	return s.save()
}

// LastRefresh reports the time and instance of the last successful cycle.
func (s *Store) LastRefresh() (time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.LastRefresh, s.doc.LastInstance
}

func (s *Store) index(id string) int {
	return slices.IndexFunc(s.doc.Instances, func(in Instance) bool { return in.ID == id })
}

// reconcile drops IDs without an instance and appends instances missing
// from order.
func (s *Store) reconcile(order []string) []string {
	out := make([]string, 0, len(s.doc.Instances))
	for _, id := range order {
		if s.index(id) >= 0 && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	for _, in := range s.doc.Instances {
		if !slices.Contains(out, in.ID) {
			out = append(out, in.ID)
		}
	}
	return out
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return err
	}
	if err := config.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("state: save: %w", err)
	}
	return nil
}

func clone(in Instance) Instance {
	in.Settings = in.Settings.Clone()
	return in
}
