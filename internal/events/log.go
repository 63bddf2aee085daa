// Package events keeps the bounded settlement event log clients poll or
// subscribe to.
package events

import (
	"context"
	"sync"
	"time"

	"lstapp/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the number of events retained before the oldest is evicted.
const DefaultCapacity = 100

// Publisher forwards appended events to an external bus.
type Publisher interface {
	Publish(ev model.Event) error
}

// Log is a fixed-size ring buffer of events plus a set of live subscribers.
type Log struct {
	mu     sync.RWMutex
	buf    []model.Event
	start  int
	size   int
	subs   map[chan model.Event]struct{}
	pub    Publisher
	now    func() time.Time
	logger *logrus.Logger
}

// NewLog creates a log retaining capacity events. Zero means DefaultCapacity.
func NewLog(capacity int, logger *logrus.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Log{
		buf:    make([]model.Event, capacity),
		subs:   make(map[chan model.Event]struct{}),
		now:    time.Now,
		logger: logger,
	}
}

// SetPublisher attaches an external bus. Must be called before serving.
func (l *Log) SetPublisher(p Publisher) {
	l.pub = p
}

// Append stamps ev with an id and timestamp when missing, stores it and fans
// it out. Slow subscribers miss events rather than block the writer.
func (l *Log) Append(ev model.Event) model.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	idx := (l.start + l.size) % len(l.buf)
	l.buf[idx] = ev
	if l.size < len(l.buf) {
		l.size++
	} else {
		l.start = (l.start + 1) % len(l.buf)
	}
	for ch := range l.subs {
		select {
		case ch <- ev:
		default:
			l.logger.WithField("event_id", ev.ID).Warn("dropping event for slow subscriber")
		}
	}
	l.mu.Unlock()

	if l.pub != nil {
		if err := l.pub.Publish(ev); err != nil {
			l.logger.WithError(err).WithField("event_id", ev.ID).Warn("failed to publish event")
		}
	}
	return ev
}

// Events returns the retained events, newest first.
func (l *Log) Events() []model.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.Event, 0, l.size)
	for i := l.size - 1; i >= 0; i-- {
		out = append(out, l.buf[(l.start+i)%len(l.buf)])
	}
	return out
}

// Len is the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Clear drops every retained event. Subscribers stay attached.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.buf {
		l.buf[i] = model.Event{}
	}
	l.start, l.size = 0, 0
}

// Subscribe returns a channel receiving events appended after the call. The
// channel is closed once ctx is done.
func (l *Log) Subscribe(ctx context.Context, buffer int) <-chan model.Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.Event, buffer)

	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, ch)
		close(ch)
		l.mu.Unlock()
	}()
	return ch
}
