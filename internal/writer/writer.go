// Package writer turns user-edited occurrences into calendar objects and
// writes them to the remote collection.
//
// Editing any occurrence of a recurring series rewrites the whole series
// definition; single-occurrence overrides are not supported.
package writer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/mo"

	"webcal/internal/ics"
	"webcal/internal/locator"
	appLog "webcal/internal/log"
	"webcal/internal/metrics"
	"webcal/internal/model"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

var ErrInvalidOccurrence = errors.New("writer: invalid occurrence")

// WriteError is a failed create, update or delete.
type WriteError struct {
	Op        string
	SourceUID string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s event in source %s: %v", e.Op, e.SourceUID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Transport performs the remote writes.
type Transport interface {
	CreateObject(ctx context.Context, collection, filename, data string, auth http.Header) error
	UpdateObject(ctx context.Context, locator, data string, auth http.Header) error
	DeleteObject(ctx context.Context, locator string, auth http.Header) error
}

// SourceGetter looks up a source by uid.
type SourceGetter interface {
	Get(uid string) (model.CalendarSource, error)
}

// Index is the part of the aggregator the writer drives: the shared
// loading flag, the error slot and the refresh after a write.
type Index interface {
	Track(fn func() error) error
	SetError(err error)
	Refresh(ctx context.Context) error
}

// Writer saves and deletes events.
type Writer struct {
	sources   SourceGetter
	transport Transport
	resolver  *locator.Resolver
	index     Index
	now       func() time.Time
}

// New creates a Writer.
func New(sources SourceGetter, transport Transport, resolver *locator.Resolver, index Index) *Writer {
	return &Writer{
		sources:   sources,
		transport: transport,
		resolver:  resolver,
		index:     index,
		now:       time.Now,
	}
}

// Save creates occ, or with isEdit replaces the resource original came
// from. A new event without a uid gets one. The stored occurrence is
// returned. On success the index is refreshed; on failure the error is
// recorded in the index error slot and returned as *WriteError.
func (w *Writer) Save(ctx context.Context, occ model.Occurrence, isEdit bool, original mo.Option[model.Occurrence]) (model.Occurrence, error) {
	if err := validate(occ); err != nil {
		return model.Occurrence{}, err
	}
	orig, hasOrig := original.Get()
	if isEdit && !hasOrig {
		return model.Occurrence{}, fmt.Errorf("%w: original event data not found", ErrInvalidOccurrence)
	}

	if occ.EventUID == "" {
		if isEdit {
			occ.EventUID = orig.EventUID
		} else {
			occ.EventUID = ics.NewEventUID(w.now())
		}
	}

	op := OpCreate
	if isEdit {
		op = OpUpdate
	}

	err := w.index.Track(func() error {
		w.index.SetError(nil)

		data, err := ics.Serialize(occ, w.now())
		if err != nil {
			return w.fail(op, occ.SourceUID, err)
		}

		if isEdit {
			src, err := w.sources.Get(orig.SourceUID)
			if err != nil {
				return w.fail(op, orig.SourceUID, err)
			}
			target, err := w.resolver.Resolve(src, orig)
			if err != nil {
				return w.fail(op, src.UID, err)
			}
			if err := w.transport.UpdateObject(ctx, target.WriteLocator, data, target.Auth); err != nil {
				return w.fail(op, src.UID, err)
			}
			occ.SourceLocator = target.Locator
		} else {
			src, err := w.sources.Get(occ.SourceUID)
			if err != nil {
				return w.fail(op, occ.SourceUID, err)
			}
			coll, err := w.resolver.Collection(src)
			if err != nil {
				return w.fail(op, src.UID, err)
			}
			filename := ics.Filename(occ.EventUID)
			if err := w.transport.CreateObject(ctx, coll.WriteLocator, filename, data, coll.Auth); err != nil {
				return w.fail(op, src.UID, err)
			}
			occ.SourceLocator = joinCollection(coll.Locator, filename)
		}

		metrics.ObserveWrite(op, nil)
		appLog.Info("writer: event saved", "op", op, "source", occ.SourceUID, "uid", occ.EventUID)
		w.refresh(ctx)
		return nil
	})
	if err != nil {
		return model.Occurrence{}, err
	}
	return occ, nil
}

// Delete removes the resource occ was expanded from. For a recurring
// event this deletes the whole series.
func (w *Writer) Delete(ctx context.Context, occ model.Occurrence) error {
	return w.index.Track(func() error {
		w.index.SetError(nil)

		src, err := w.sources.Get(occ.SourceUID)
		if err != nil {
			return w.fail(OpDelete, occ.SourceUID, fmt.Errorf("calendar or event data not found: %w", err))
		}
		target, err := w.resolver.Resolve(src, occ)
		if err != nil {
			return w.fail(OpDelete, src.UID, err)
		}
		if err := w.transport.DeleteObject(ctx, target.WriteLocator, target.Auth); err != nil {
			return w.fail(OpDelete, src.UID, err)
		}

		metrics.ObserveWrite(OpDelete, nil)
		appLog.Info("writer: event deleted", "source", src.UID, "uid", occ.EventUID)
		w.refresh(ctx)
		return nil
	})
}

func (w *Writer) fail(op, sourceUID string, err error) error {
	werr := &WriteError{Op: op, SourceUID: sourceUID, Err: err}
	metrics.ObserveWrite(op, err)
	w.index.SetError(werr)
	appLog.Error("writer: write failed", err, "op", op, "source", sourceUID)
	return werr
}

func (w *Writer) refresh(ctx context.Context) {
	if err := w.index.Refresh(ctx); err != nil {
		appLog.Warn("writer: refresh after write failed", "err", err)
	}
}

func validate(occ model.Occurrence) error {
	switch {
	case occ.SourceUID == "":
		return fmt.Errorf("%w: source is required", ErrInvalidOccurrence)
	case occ.Start.IsZero():
		return fmt.Errorf("%w: start is required", ErrInvalidOccurrence)
	case occ.End.IsZero() && !occ.AllDay:
		return fmt.Errorf("%w: end is required", ErrInvalidOccurrence)
	case !occ.End.IsZero() && occ.End.Before(occ.Start):
		return fmt.Errorf("%w: end is before start", ErrInvalidOccurrence)
	}
	return nil
}

func joinCollection(collection, filename string) string {
	if len(collection) > 0 && collection[len(collection)-1] == '/' {
		return collection + filename
	}
	return collection + "/" + filename
}
