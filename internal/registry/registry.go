// Package registry holds the configured calendar sources.
//
// A Registry is an explicit container owned by the composition root.
// Persistence is attached from outside through OnChange observers, for
// example a FileStore.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"webcal/internal/model"
)

var (
	ErrNotFound      = errors.New("registry: source not found")
	ErrDuplicateUID  = errors.New("registry: duplicate source uid")
	ErrInvalidSource = errors.New("registry: invalid source")
)

// Registry is a concurrency-safe list of calendar sources.
type Registry struct {
	mu        sync.RWMutex
	sources   []model.CalendarSource
	observers []func([]model.CalendarSource)
}

// New creates a Registry holding sources. Invalid entries are rejected.
func New(sources ...model.CalendarSource) (*Registry, error) {
	r := &Registry{}
	normalized, err := normalizeAll(sources)
	if err != nil {
		return nil, err
	}
	r.sources = normalized
	return r, nil
}

// OnChange registers fn to be called with a snapshot of the sources after
// every mutation. Observers run synchronously, outside the lock, in
// registration order.
func (r *Registry) OnChange(fn func([]model.CalendarSource)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// List returns a copy of all sources in insertion order.
func (r *Registry) List() []model.CalendarSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.CalendarSource(nil), r.sources...)
}

// Get returns the source with the given uid.
func (r *Registry) Get(uid string) (model.CalendarSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(uid); i >= 0 {
		return r.sources[i], nil
	}
	return model.CalendarSource{}, fmt.Errorf("%w: %s", ErrNotFound, uid)
}

// Add appends src, generating a uid when it has none, and returns the
// stored source.
func (r *Registry) Add(src model.CalendarSource) (model.CalendarSource, error) {
	src, err := normalize(src)
	if err != nil {
		return model.CalendarSource{}, err
	}

	r.mu.Lock()
	if r.indexOf(src.UID) >= 0 {
		r.mu.Unlock()
		return model.CalendarSource{}, fmt.Errorf("%w: %s", ErrDuplicateUID, src.UID)
	}
	r.sources = append(r.sources, src)
	snapshot, observers := r.snapshotLocked()
	r.mu.Unlock()

	notify(observers, snapshot)
	return src, nil
}

// Update replaces the source with the same uid. The uid itself never
// changes.
func (r *Registry) Update(src model.CalendarSource) error {
	if src.UID == "" {
		return fmt.Errorf("%w: uid is required", ErrInvalidSource)
	}
	src, err := normalize(src)
	if err != nil {
		return err
	}

	r.mu.Lock()
	i := r.indexOf(src.UID)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, src.UID)
	}
	r.sources[i] = src
	snapshot, observers := r.snapshotLocked()
	r.mu.Unlock()

	notify(observers, snapshot)
	return nil
}

// Remove deletes the source with the given uid.
func (r *Registry) Remove(uid string) error {
	r.mu.Lock()
	i := r.indexOf(uid)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	r.sources = append(r.sources[:i:i], r.sources[i+1:]...)
	snapshot, observers := r.snapshotLocked()
	r.mu.Unlock()

	notify(observers, snapshot)
	return nil
}

// Replace swaps the whole source list.
func (r *Registry) Replace(sources []model.CalendarSource) error {
	normalized, err := normalizeAll(sources)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.sources = normalized
	snapshot, observers := r.snapshotLocked()
	r.mu.Unlock()

	notify(observers, snapshot)
	return nil
}

// Import reads a JSON array of sources and replaces the current list.
func (r *Registry) Import(rd io.Reader) error {
	var sources []model.CalendarSource
	if err := json.NewDecoder(rd).Decode(&sources); err != nil {
		return fmt.Errorf("registry: import: %w", err)
	}
	return r.Replace(sources)
}

// Export writes all sources as an indented JSON array.
func (r *Registry) Export(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.List())
}

func (r *Registry) indexOf(uid string) int {
	for i := range r.sources {
		if r.sources[i].UID == uid {
			return i
		}
	}
	return -1
}

func (r *Registry) snapshotLocked() ([]model.CalendarSource, []func([]model.CalendarSource)) {
	snapshot := append([]model.CalendarSource(nil), r.sources...)
	observers := append(([]func([]model.CalendarSource))(nil), r.observers...)
	return snapshot, observers
}

func notify(observers []func([]model.CalendarSource), snapshot []model.CalendarSource) {
	for _, fn := range observers {
		fn(append([]model.CalendarSource(nil), snapshot...))
	}
}

func normalize(src model.CalendarSource) (model.CalendarSource, error) {
	src.URL = strings.TrimSpace(src.URL)
	if src.URL == "" {
		return src, fmt.Errorf("%w: url is required", ErrInvalidSource)
	}
	u, err := url.Parse(src.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return src, fmt.Errorf("%w: url %q is not absolute", ErrInvalidSource, src.URL)
	}
	switch src.Kind {
	case "":
		src.Kind = model.KindCalDAV
	case model.KindCalDAV, model.KindICS:
	default:
		return src, fmt.Errorf("%w: unknown type %q", ErrInvalidSource, src.Kind)
	}
	if src.UID == "" {
		src.UID = uuid.NewString()
	}
	return src, nil
}

func normalizeAll(sources []model.CalendarSource) ([]model.CalendarSource, error) {
	out := make([]model.CalendarSource, 0, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		n, err := normalize(src)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[n.UID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUID, n.UID)
		}
		seen[n.UID] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}
