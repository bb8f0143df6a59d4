package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeHostEvent   = "host.event"          // hostevent.Event
	TypeSaved       = "session.saved"       // SaveResult
	TypeSaveFailed  = "session.save_failed" // SaveResult
	TypeConfigApply = "config.applied"      // []string of changed sections
)

// SaveResult is the payload of TypeSaved and TypeSaveFailed.
type SaveResult struct {
	SnapshotID string        `json:"snapshot_id,omitempty"`
	Tabs       int           `json:"tabs"`
	Windows    int           `json:"windows"`
	Took       time.Duration `json:"took"`
	Err        string        `json:"err,omitempty"`
}

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus { return &fanout{} }

type subscriber struct {
	ch chan Event
}

type fanout struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (f *fanout) Dropped() uint64 { return f.dropped.Load() }

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Held across the sends so unsubscribe cannot close a channel mid-send.
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		select {
		case s.ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()

	var once sync.Once
	return s.ch, func() { once.Do(func() { f.remove(s) }) }
}

func (f *fanout) remove(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cur := range f.subs {
		if cur == s {
			f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
}
