// Package aggregator fetches every enabled CalDAV source for a display
// window, expands the returned resources and keeps the resulting
// occurrences in a per-source index.
package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"webcal/internal/ics"
	"webcal/internal/locator"
	appLog "webcal/internal/log"
	"webcal/internal/metrics"
	"webcal/internal/model"
)

const (
	defaultConcurrency = 4
	defaultTimeout     = 30 * time.Second
)

var (
	ErrInvalidWindow = errors.New("aggregator: invalid window")
	ErrSuperseded    = errors.New("aggregator: fetch superseded by a newer window")
	ErrNoWindow      = errors.New("aggregator: no window requested yet")
)

// Fetcher retrieves the raw resources of one collection for a window.
type Fetcher interface {
	FetchObjects(ctx context.Context, locator string, w model.Window, auth http.Header) ([]model.RawResource, error)
}

// SourceLister provides the current source list.
type SourceLister interface {
	List() []model.CalendarSource
}

// FetchError is a failed fetch of one source.
type FetchError struct {
	SourceUID  string
	SourceName string
	Err        error
}

func (e *FetchError) Error() string {
	name := e.SourceName
	if name == "" {
		name = e.SourceUID
	}
	return fmt.Sprintf("fetch %s: %v", name, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// State is the observable status of the aggregator.
type State struct {
	Loading   bool              `json:"loading"`
	Error     string            `json:"error,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
	Window    model.Window      `json:"window"`
	LastFetch time.Time         `json:"lastFetch,omitempty"`
}

// Options tunes fetching.
type Options struct {
	// Concurrency bounds how many sources are fetched at once.
	Concurrency int
	// Timeout bounds a single source fetch.
	Timeout time.Duration
}

// eventIndex maps event uid -> instance key -> occurrence.
type eventIndex map[string]map[string]model.Occurrence

// Aggregator owns the occurrence index.
type Aggregator struct {
	sources  SourceLister
	fetcher  Fetcher
	expander *ics.Expander
	resolver *locator.Resolver
	opts     Options
	now      func() time.Time

	// cycleMu serializes fetch cycles.
	cycleMu sync.Mutex

	mu    sync.RWMutex
	index map[string]eventIndex

	// window is the window every index entry was fetched for.
	window model.Window

	// requested is the window of the newest Fetch or Refresh call.
	requested model.Window

	lastErr    error
	sourceErrs map[string]error
	loading    int
	lastFetch  time.Time
	generation uint64
	cancel     context.CancelFunc
	observers  []func()
}

// New creates an Aggregator.
func New(sources SourceLister, fetcher Fetcher, expander *ics.Expander, resolver *locator.Resolver, opts Options) *Aggregator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if resolver == nil {
		resolver = locator.NewResolver(locator.Proxy{})
	}
	return &Aggregator{
		sources:    sources,
		fetcher:    fetcher,
		expander:   expander,
		resolver:   resolver,
		opts:       opts,
		now:        time.Now,
		index:      make(map[string]eventIndex),
		sourceErrs: make(map[string]error),
	}
}

// OnChange registers fn to run after the index or state changes.
func (a *Aggregator) OnChange(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

func (a *Aggregator) notify() {
	a.mu.RLock()
	observers := append([]func(){}, a.observers...)
	a.mu.RUnlock()
	for _, fn := range observers {
		fn()
	}
}

// Fetch runs one fetch cycle for w.
//
// The most recent call wins: starting a cycle cancels the one in flight,
// and a cycle that has been superseded never writes to the index and
// returns ErrSuperseded. Per-source failures do not fail the cycle; they
// are recorded in State.
func (a *Aggregator) Fetch(ctx context.Context, w model.Window) error {
	if !w.Valid() {
		return ErrInvalidWindow
	}

	a.mu.Lock()
	gen, cctx, cancel := a.startLocked(ctx, w)
	a.mu.Unlock()
	return a.run(cctx, cancel, gen, w)
}

// Refresh re-runs the most recently requested window. Without one it
// does nothing.
func (a *Aggregator) Refresh(ctx context.Context) error {
	err := a.RefreshOr(ctx, model.Window{})
	if errors.Is(err, ErrNoWindow) {
		appLog.Debug("aggregator: refresh skipped; no window requested yet")
		return nil
	}
	return err
}

// RefreshOr re-runs the most recently requested window, or fetches
// fallback when none has been requested. The window is read under the
// same lock that starts the cycle, so a refresh never supersedes a fetch
// for a newer window.
func (a *Aggregator) RefreshOr(ctx context.Context, fallback model.Window) error {
	a.mu.Lock()
	w := a.requested
	if w.IsZero() {
		w = fallback
	}
	if !w.Valid() {
		a.mu.Unlock()
		return ErrNoWindow
	}
	gen, cctx, cancel := a.startLocked(ctx, w)
	a.mu.Unlock()
	return a.run(cctx, cancel, gen, w)
}

// startLocked opens a new generation for w and cancels the cycle in
// flight. a.mu must be held.
func (a *Aggregator) startLocked(ctx context.Context, w model.Window) (uint64, context.Context, context.CancelFunc) {
	a.generation++
	if a.cancel != nil {
		a.cancel()
	}
	cctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.requested = w
	a.loading++
	return a.generation, cctx, cancel
}

func (a *Aggregator) run(ctx context.Context, cancel context.CancelFunc, gen uint64, w model.Window) error {
	a.notify()
	defer func() {
		cancel()
		a.mu.Lock()
		a.loading--
		a.mu.Unlock()
		a.notify()
	}()

	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	sources, ok := a.begin(gen, w)
	if !ok {
		metrics.CycleSuperseded()
		return ErrSuperseded
	}

	appLog.Debug("aggregator: fetch cycle start",
		"start", w.Start.Format(time.RFC3339),
		"end", w.End.Format(time.RFC3339),
		"sources", len(sources),
	)

	var g errgroup.Group
	g.SetLimit(a.opts.Concurrency)
	for _, src := range sources {
		g.Go(func() error {
			occs, err := a.fetchSource(ctx, src, w)
			a.commit(gen, src, occs, err)
			return nil
		})
	}
	_ = g.Wait()

	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		metrics.CycleSuperseded()
		appLog.Debug("aggregator: fetch cycle superseded")
		return ErrSuperseded
	}
	a.lastFetch = a.now()
	total := a.countLocked()
	a.mu.Unlock()

	metrics.CycleCommitted()
	metrics.SetIndexed(total)
	appLog.Info("aggregator: fetch cycle done", "sources", len(sources), "occurrences", total)
	a.notify()
	return nil
}

// begin prepares the index for a cycle over w and returns the sources to
// fetch. When w differs from the window the index holds, the index is
// emptied so entries of two windows never mix; otherwise sources that no
// longer qualify are pruned. It reports false when gen has been
// superseded.
func (a *Aggregator) begin(gen uint64, w model.Window) ([]model.CalendarSource, bool) {
	list := qualifying(a.sources.List())

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.generation {
		return nil, false
	}
	if !a.window.Equal(w) {
		clear(a.index)
	}
	a.pruneLocked(list)
	a.window = w
	a.lastErr = nil
	a.sourceErrs = make(map[string]error)
	return list, true
}

func (a *Aggregator) fetchSource(ctx context.Context, src model.CalendarSource, w model.Window) ([]model.Occurrence, error) {
	target, err := a.resolver.Collection(src)
	if err != nil {
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	start := time.Now()
	raws, err := a.fetcher.FetchObjects(fctx, target.WriteLocator, w, target.Auth)
	metrics.ObserveFetch(start, err)
	if err != nil {
		return nil, err
	}

	var out []model.Occurrence
	for _, raw := range raws {
		if restored, err := a.resolver.Restore(src, raw.Locator); err != nil {
			appLog.Warn("aggregator: cannot restore resource locator", "source", src.UID, "locator", raw.Locator, "err", err)
		} else {
			raw.Locator = restored
		}
		out = append(out, a.expandSafe(src, raw, w)...)
	}
	appLog.Debug("aggregator: source fetched", "source", src.UID, "resources", len(raws), "occurrences", len(out))
	return out, nil
}

// expandSafe expands one resource, skipping it if expansion panics.
func (a *Aggregator) expandSafe(src model.CalendarSource, raw model.RawResource, w model.Window) (out []model.Occurrence) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ResourceSkipped("panic")
			appLog.Error("aggregator: expansion panicked; skipping resource", fmt.Errorf("%v", r), "source", src.UID, "locator", raw.Locator)
			out = nil
		}
	}()
	return a.expander.ExpandAll(src, raw, w)
}

// commit writes one source's contribution under the index lock. A failed
// source keeps what the index already holds for it, which was fetched for
// the same window.
func (a *Aggregator) commit(gen uint64, src model.CalendarSource, occs []model.Occurrence, err error) {
	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return
	}

	if err != nil {
		fe := &FetchError{SourceUID: src.UID, SourceName: src.Name, Err: err}
		a.lastErr = fe
		a.sourceErrs[src.UID] = fe
		a.mu.Unlock()
		appLog.Error("aggregator: source fetch failed", err, "source", src.UID)
		a.notify()
		return
	}

	events := make(eventIndex)
	for _, occ := range occs {
		byKey, ok := events[occ.EventUID]
		if !ok {
			byKey = make(map[string]model.Occurrence)
			events[occ.EventUID] = byKey
		}
		byKey[occ.Key()] = occ
	}
	a.index[src.UID] = events
	a.mu.Unlock()
	a.notify()
}

// Prune drops index entries of sources that are not in sources or no
// longer qualify. It is meant to be registered as a registry observer.
func (a *Aggregator) Prune(sources []model.CalendarSource) {
	list := qualifying(sources)
	a.mu.Lock()
	removed := a.pruneLocked(list)
	total := a.countLocked()
	a.mu.Unlock()

	if removed > 0 {
		metrics.SetIndexed(total)
		appLog.Debug("aggregator: pruned sources", "removed", removed)
		a.notify()
	}
}

func (a *Aggregator) pruneLocked(keep []model.CalendarSource) int {
	allowed := make(map[string]struct{}, len(keep))
	for _, src := range keep {
		allowed[src.UID] = struct{}{}
	}
	removed := 0
	for uid := range a.index {
		if _, ok := allowed[uid]; !ok {
			delete(a.index, uid)
			removed++
		}
	}
	for uid := range a.sourceErrs {
		if _, ok := allowed[uid]; !ok {
			delete(a.sourceErrs, uid)
		}
	}
	return removed
}

func (a *Aggregator) countLocked() int {
	n := 0
	for _, events := range a.index {
		for _, byKey := range events {
			n += len(byKey)
		}
	}
	return n
}

// qualifying keeps enabled CalDAV sources.
func qualifying(sources []model.CalendarSource) []model.CalendarSource {
	out := make([]model.CalendarSource, 0, len(sources))
	for _, src := range sources {
		if src.IsEnabled() && src.IsCalDAV() {
			out = append(out, src)
		}
	}
	return out
}

// Event returns the earliest indexed occurrence of an event.
func (a *Aggregator) Event(sourceUID, eventUID string) (model.Occurrence, bool) {
	occs := a.EventOccurrences(sourceUID, eventUID)
	if len(occs) == 0 {
		return model.Occurrence{}, false
	}
	return occs[0], true
}

// EventOccurrences returns all indexed occurrences of an event, sorted by
// start.
func (a *Aggregator) EventOccurrences(sourceUID, eventUID string) []model.Occurrence {
	a.mu.RLock()
	byKey := a.index[sourceUID][eventUID]
	out := make([]model.Occurrence, 0, len(byKey))
	for _, occ := range byKey {
		out = append(out, occ)
	}
	a.mu.RUnlock()

	sortOccurrences(out)
	return out
}

// Occurrence looks up one occurrence by its start instant.
func (a *Aggregator) Occurrence(sourceUID, eventUID string, start time.Time) (model.Occurrence, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	occ, ok := a.index[sourceUID][eventUID][model.InstanceKey(start)]
	return occ, ok
}

// Occurrences returns the flattened index sorted by start.
func (a *Aggregator) Occurrences() []model.Occurrence {
	a.mu.RLock()
	out := make([]model.Occurrence, 0, a.countLocked())
	for _, events := range a.index {
		for _, byKey := range events {
			for _, occ := range byKey {
				out = append(out, occ)
			}
		}
	}
	a.mu.RUnlock()

	sortOccurrences(out)
	return out
}

func sortOccurrences(occs []model.Occurrence) {
	slices.SortFunc(occs, func(x, y model.Occurrence) int {
		return cmp.Or(
			x.Start.Compare(y.Start),
			cmp.Compare(x.SourceUID, y.SourceUID),
			cmp.Compare(x.EventUID, y.EventUID),
		)
	})
}

// State returns a snapshot of the loading flag, errors and window.
func (a *Aggregator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := State{
		Loading:   a.loading > 0,
		Window:    a.window,
		LastFetch: a.lastFetch,
	}
	if a.lastErr != nil {
		st.Error = a.lastErr.Error()
	}
	if len(a.sourceErrs) > 0 {
		st.Errors = make(map[string]string, len(a.sourceErrs))
		for uid, err := range a.sourceErrs {
			st.Errors[uid] = err.Error()
		}
	}
	return st
}

// Window returns the last requested window.
func (a *Aggregator) Window() model.Window {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.window
}

// Track runs fn with the loading flag raised. The flag is lowered on every
// exit path.
func (a *Aggregator) Track(fn func() error) error {
	a.mu.Lock()
	a.loading++
	a.mu.Unlock()
	a.notify()

	defer func() {
		a.mu.Lock()
		a.loading--
		a.mu.Unlock()
		a.notify()
	}()
	return fn()
}

// SetError replaces the single error slot. nil clears it.
func (a *Aggregator) SetError(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
	a.notify()
}
