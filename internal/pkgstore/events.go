// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import "go.uber.org/zap"

// EventStatus names a point in a single identity's fetch lifecycle.
type EventStatus string

const (
	StatusResolved         EventStatus = "resolved"
	StatusResolvingContent EventStatus = "resolving_content"
	StatusFoundInStore     EventStatus = "found_in_store"
	StatusFetchingStarted  EventStatus = "fetching_started"
	StatusFetchingProgress EventStatus = "fetching_progress"
	StatusFetched          EventStatus = "fetched"
	StatusError            EventStatus = "error"
)

// Event is a single structured progress/error notification about one
// identity's fetch. Fields outside Status/Identity are populated only when
// relevant to that status.
type Event struct {
	Status   EventStatus
	Identity Identity

	// fetching_started
	Size    *int64
	Attempt int

	// fetching_progress
	Downloaded int64

	// error
	Err error
}

// Observer receives fire-and-forget progress events. Implementations must
// not block the pipeline; Notify should return quickly.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Bus fans a single event out to any number of registered observers. A nil
// Bus is valid and simply drops events.
type Bus struct {
	observers []Observer
}

// NewBus constructs a Bus with the given observers registered up front.
func NewBus(observers ...Observer) *Bus {
	return &Bus{observers: observers}
}

// Register adds an observer; it is not safe to call concurrently with
// Emit.
func (b *Bus) Register(o Observer) {
	b.observers = append(b.observers, o)
}

// Emit fans the event out, fire-and-forget, to every registered observer.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	for _, o := range b.observers {
		go o.Notify(e)
	}
}

// ZapObserver is the default Observer: one structured log line per event.
type ZapObserver struct {
	Logger *zap.Logger
}

// NewZapObserver wraps logger as an Observer, matching the teacher corpus's
// structured-logging convention (see temirov/gix's LoggerProvider).
func NewZapObserver(logger *zap.Logger) *ZapObserver {
	return &ZapObserver{Logger: logger}
}

func (z *ZapObserver) Notify(e Event) {
	fields := []zap.Field{
		zap.String("identity", string(e.Identity)),
		zap.String("status", string(e.Status)),
	}
	switch e.Status {
	case StatusFetchingStarted:
		if e.Size != nil {
			fields = append(fields, zap.Int64("size", *e.Size))
		}
		fields = append(fields, zap.Int("attempt", e.Attempt))
	case StatusFetchingProgress:
		fields = append(fields, zap.Int64("downloaded", e.Downloaded))
	case StatusError:
		fields = append(fields, zap.Error(e.Err))
		z.Logger.Error("pkgstore fetch event", fields...)
		return
	}
	z.Logger.Info("pkgstore fetch event", fields...)
}

var _ Observer = &ZapObserver{}
