// Package notify publishes file events to interested parties.
package notify

import (
	"context"
	"sync"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zref/internal/domain"
)

// MaxCauseLength bounds error causes leaving the process.
const MaxCauseLength = 512

// Publisher delivers events. Delivery is fire and forget.
type Publisher interface {
	Publish(ctx context.Context, event domain.FileEvent)
}

// TruncateCause cuts cause to MaxCauseLength bytes on a rune boundary.
func TruncateCause(cause string) string {
	if len(cause) <= MaxCauseLength {
		return cause
	}
	cut := MaxCauseLength
	for cut > 0 && !utf8.RuneStart(cause[cut]) {
		cut--
	}
	return cause[:cut]
}

// LogPublisher writes events to the logrus logger.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, event domain.FileEvent) {
	entry := log.WithFields(log.Fields{
		"event":    event.Type,
		"checksum": event.Checksum,
		"storage":  event.Storage,
	})
	if len(event.Owners) > 0 {
		entry = entry.WithField("owners", event.Owners)
	}
	if len(event.GroupIDs) > 0 {
		entry = entry.WithField("groups", event.GroupIDs)
	}
	if event.Location != "" {
		entry = entry.WithField("location", event.Location)
	}
	if event.IsError() {
		entry.Warn(event.Message)
		return
	}
	entry.Info(event.Message)
}

// Bus fans events out to its subscribers in subscription order.
type Bus struct {
	mu          sync.RWMutex
	subscribers []func(context.Context, domain.FileEvent)
}

func NewBus(subscribers ...Publisher) *Bus {
	b := &Bus{}
	for _, s := range subscribers {
		b.Subscribe(s.Publish)
	}
	return b
}

func (b *Bus) Subscribe(fn func(context.Context, domain.FileEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Publish truncates the message and hands the event to every subscriber.
func (b *Bus) Publish(ctx context.Context, event domain.FileEvent) {
	event.Message = TruncateCause(event.Message)
	b.mu.RLock()
	subscribers := append([]func(context.Context, domain.FileEvent){}, b.subscribers...)
	b.mu.RUnlock()

	for _, fn := range subscribers {
		fn(ctx, event)
	}
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []domain.FileEvent
}

func (r *Recorder) Publish(ctx context.Context, event domain.FileEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.FileEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.FileEvent(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t domain.FileEventType) []domain.FileEvent {
	var out []domain.FileEvent
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
