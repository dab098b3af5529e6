// Package plugin defines how content sources produce a bitmap for each
// refresh cycle. The conversion pipeline only ever sees the returned image;
// it never branches on which plugin made it.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"epdframe/internal/model"
)

// Plugin produces one image per refresh cycle. Implementations may update
// settings in place (e.g. advance a slideshow index); the caller persists
// the mutated map.
type Plugin interface {
	GenerateImage(ctx context.Context, settings Settings, dev model.Device) (image.Image, error)
}

// Cleaner is implemented by plugins that own files on disk. Cleanup is
// called when an instance is deleted and must not fail: problems are
// logged and swallowed.
type Cleaner interface {
	Cleanup(settings Settings)
}

// Settings is the per-instance configuration, stored as JSON. Values are
// strings, numbers, booleans or lists of those. Keys ending in "[]" hold
// lists, mirroring the web form field names.
type Settings map[string]any

// String returns the value under key as a string, or "".
func (s Settings) String(key string) string {
	switch v := s[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the value under key as an int, or def when absent or not
// numeric. JSON numbers decode as float64 and form values as strings; both
// are accepted.
func (s Settings) Int(key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Bool reports whether the value under key is true, "true", "on" or "1".
func (s Settings) Bool(key string) bool {
	switch v := s[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "on", "1", "yes":
			return true
		}
	}
	return false
}

// Strings returns the list under key. A single string is treated as a
// one-element list.
func (s Settings) Strings(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Clone returns a copy that shares no lists with s.
func (s Settings) Clone() Settings {
	if s == nil {
		return Settings{}
	}
	out := make(Settings, len(s))
	for k, v := range s {
		switch l := v.(type) {
		case []string:
			out[k] = append([]string(nil), l...)
		case []any:
			out[k] = append([]any(nil), l...)
		default:
			out[k] = v
		}
	}
	return out
}

// Changes reports the keys whose values differ between before and s:
// set holds new or modified values, removed the keys s no longer has.
func (s Settings) Changes(before Settings) (set Settings, removed []string) {
	set = Settings{}
	for k, v := range s {
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			set[k] = v
		}
	}
	for k := range before {
		if _, ok := s[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	return set.Clone(), removed
}

// Apply writes set into s and deletes removed, as returned by Changes.
func (s Settings) Apply(set Settings, removed []string) {
	for k, v := range set {
		s[k] = v
	}
	for _, k := range removed {
		delete(s, k)
	}
}

// Registry maps plugin IDs ("image_upload", "calendar", ...) to
// implementations.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds p under id, replacing any previous registration.
func (r *Registry) Register(id string, p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[id] = p
}

func (r *Registry) Lookup(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// IDs returns the registered plugin IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
