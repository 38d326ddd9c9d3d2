package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber buffer when the caller does not
// configure one.
const DefaultBufferSize = 1024

// maxRetainedPerAudit bounds the replay log so a chatty audit cannot grow
// memory without limit.
const maxRetainedPerAudit = 16384

// Subscription is one subscriber's ordered, bounded event stream. Receive
// from Events; call Close when done. A subscription that stops draining is
// evicted by the bus.
type Subscription struct {
	id      int
	auditID string
	topics  map[Topic]bool
	ch      chan Event

	closeOnce sync.Once
	bus       *Bus
}

// Events returns the receive channel. It is closed on Close or eviction.
func (s *Subscription) Events() <-chan Event { return s.ch }

// ID returns the bus-assigned subscriber id.
func (s *Subscription) ID() int { return s.id }

// Close unsubscribes and releases the channel.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

func (s *Subscription) matches(ev Event) bool {
	if s.auditID != "" && s.auditID != ev.AuditID {
		return false
	}
	if s.topics != nil && !s.topics[ev.Topic] {
		return false
	}
	return true
}

// Options configures a Bus.
type Options struct {
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int

	// Retain enables the per-audit replay log.
	Retain bool

	// RetentionWindow is how long a completed audit's log survives.
	RetentionWindow time.Duration
}

// Bus is the multi-producer, multi-consumer event fan-out. All mutation
// goes through its lock; publish is non-blocking by construction.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	opts   Options
	logger *zap.Logger

	retained map[string][]Event
	dropped  map[string]*time.Timer
	closed   bool
}

// New creates a Bus.
func New(opts Options, logger *zap.Logger) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:     make(map[int]*Subscription),
		opts:     opts,
		logger:   logger,
		retained: make(map[string][]Event),
		dropped:  make(map[string]*time.Timer),
	}
}

// Subscribe registers a new subscriber. Empty auditID matches every audit;
// nil topics matches every topic.
func (b *Bus) Subscribe(auditID string, topics ...Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var set map[Topic]bool
	if len(topics) > 0 {
		set = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			set[t] = true
		}
	}

	b.nextID++
	s := &Subscription{
		id:      b.nextID,
		auditID: auditID,
		topics:  set,
		ch:      make(chan Event, b.opts.BufferSize),
		bus:     b,
	}
	if !b.closed {
		b.subs[s.id] = s
	} else {
		close(s.ch)
	}
	return s
}

// Publish delivers the event to every matching subscriber without
// blocking. Slow subscribers whose buffers are full are evicted; surviving
// subscribers receive a bus.loss event describing the eviction.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.publishLocked(ev)
}

func (b *Bus) publishLocked(ev Event) {
	if b.opts.Retain && ev.AuditID != "" {
		log := b.retained[ev.AuditID]
		if len(log) < maxRetainedPerAudit {
			b.retained[ev.AuditID] = append(log, ev)
		}
	}

	var evicted []*Subscription
	for _, s := range b.subs {
		if !s.matches(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			evicted = append(evicted, s)
		}
	}

	for _, s := range evicted {
		b.removeLocked(s)
		b.logger.Warn("evicted slow bus subscriber",
			zap.Int("subscriber", s.id),
			zap.String("topic", string(ev.Topic)))
		// Each eviction shrinks the subscriber set, so recursion
		// terminates.
		b.publishLocked(NewEvent(ev.AuditID, TopicBusLoss, LossEvent{
			SubscriberID: s.id,
			Dropped:      ev.Topic,
			Message:      "subscriber buffer full; disconnected",
		}))
	}
}

// Replay returns the retained event log for an audit, filtered to the
// given topics (nil means all), in publish order. Returns nil when
// retention is disabled or the log has expired.
func (b *Bus) Replay(auditID string, topics ...Topic) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.retained[auditID]
	if len(log) == 0 {
		return nil
	}
	if len(topics) == 0 {
		return append([]Event(nil), log...)
	}
	set := make(map[Topic]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	var out []Event
	for _, ev := range log {
		if set[ev.Topic] {
			out = append(out, ev)
		}
	}
	return out
}

// AuditDone schedules the audit's replay log for release after the
// retention window.
func (b *Bus) AuditDone(auditID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opts.Retain || b.closed {
		return
	}
	if t, ok := b.dropped[auditID]; ok {
		t.Stop()
	}
	b.dropped[auditID] = time.AfterFunc(b.opts.RetentionWindow, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.retained, auditID)
		delete(b.dropped, auditID)
	})
}

// Close evicts every subscriber and stops retention timers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		b.removeLocked(s)
	}
	for id, t := range b.dropped {
		t.Stop()
		delete(b.dropped, id)
	}
	b.retained = make(map[string][]Event)
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(s)
}

func (b *Bus) removeLocked(s *Subscription) {
	delete(b.subs, s.id)
	s.closeOnce.Do(func() { close(s.ch) })
}
