package core

import (
	"sync"
	"time"
)

type OutboxConfig struct {
	// Limit is the queue length above which superseded deltas are coalesced
	// and the member is reported as backed up.
	Limit int
	// ControlLimit bounds queued control frames.
	ControlLimit int
	// ResendAfter is how long a reliable frame may stay unacked before it is
	// queued again.
	ResendAfter time.Duration
}

func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{Limit: 256, ControlLimit: 64, ResendAfter: 2 * time.Second}
}

type OutboxStats struct {
	Queued    int
	Inflight  int
	Coalesced uint64
	Resent    uint64
}

type inflightFrame struct {
	ob     Outbound
	sentAt time.Time
}

// Outbox is one member's outbound queue. Order is FIFO; under pressure a
// delta superseded by a later one for the same entity is removed. The latest
// delta per entity and every reliable frame always stay queued, so the queue
// may exceed Limit by the number of live entities and unacked events.
// Reliable frames wait in the inflight set after being written until Ack, and
// are queued again after ResendAfter.
type Outbox struct {
	cfg OutboxConfig
	now func() time.Time

	mu       sync.Mutex
	queue    []Outbound
	controls int
	inflight map[string]inflightFrame
	closed   bool
	stats    OutboxStats

	ready chan struct{}
}

func NewOutbox(cfg OutboxConfig) *Outbox {
	def := DefaultOutboxConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.ControlLimit <= 0 {
		cfg.ControlLimit = def.ControlLimit
	}
	if cfg.ResendAfter <= 0 {
		cfg.ResendAfter = def.ResendAfter
	}
	return &Outbox{
		cfg:      cfg,
		now:      time.Now,
		inflight: make(map[string]inflightFrame),
		ready:    make(chan struct{}, 1),
	}
}

// WithClock replaces the time source; tests use it to drive resends.
func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

func (o *Outbox) ResendAfter() time.Duration { return o.cfg.ResendAfter }

// Ready is signalled whenever a frame is queued.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

func (o *Outbox) notify() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Push queues ob. It returns ErrBackpressure when a control frame does not
// fit, or when the queue is still over Limit after coalescing. In the latter
// case ob is queued anyway.
func (o *Outbox) Push(ob Outbound) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	var err error
	switch ob.Delivery {
	case Control:
		if o.controls >= o.cfg.ControlLimit {
			o.mu.Unlock()
			return ErrBackpressure
		}
		o.controls++
		o.queue = append(o.queue, ob)
	case Reliable:
		if _, sent := o.inflight[ob.Key]; sent {
			o.mu.Unlock()
			return nil
		}
		o.queue = append(o.queue, ob)
	default:
		o.queue = append(o.queue, ob)
		if len(o.queue) > o.cfg.Limit && o.coalesceLocked() {
			err = ErrBackpressure
		}
	}
	o.mu.Unlock()
	o.notify()
	return err
}

// coalesceLocked removes every delta superseded by a later one for the same
// entity and reports whether the queue is still over Limit.
func (o *Outbox) coalesceLocked() bool {
	latest := make(map[string]int)
	for i, ob := range o.queue {
		if ob.Delivery == Coalescable {
			latest[ob.Key] = i
		}
	}
	kept := o.queue[:0]
	for i, ob := range o.queue {
		if ob.Delivery == Coalescable && latest[ob.Key] != i {
			o.stats.Coalesced++
			continue
		}
		kept = append(kept, ob)
	}
	clear(o.queue[len(kept):])
	o.queue = kept
	return len(o.queue) > o.cfg.Limit
}

// Next pops the oldest frame. Reliable frames move to the inflight set.
func (o *Outbox) Next() (Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil, false
	}
	ob := o.queue[0]
	o.queue[0] = Outbound{}
	o.queue = o.queue[1:]
	switch ob.Delivery {
	case Control:
		o.controls--
	case Reliable:
		o.inflight[ob.Key] = inflightFrame{ob: ob, sentAt: o.now()}
	}
	return ob.Frame, true
}

// Resend queues every inflight frame older than ResendAfter.
func (o *Outbox) Resend() int {
	o.mu.Lock()
	now := o.now()
	n := 0
	for key, f := range o.inflight {
		if now.Sub(f.sentAt) < o.cfg.ResendAfter {
			continue
		}
		delete(o.inflight, key)
		o.queue = append(o.queue, f.ob)
		o.stats.Resent++
		n++
	}
	o.mu.Unlock()
	if n > 0 {
		o.notify()
	}
	return n
}

func (o *Outbox) Ack(eventID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, eventID)
	for i, ob := range o.queue {
		if ob.Delivery == Reliable && ob.Key == eventID {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			break
		}
	}
}

func (o *Outbox) Unacked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.inflight)
	for _, ob := range o.queue {
		if ob.Delivery == Reliable {
			n++
		}
	}
	return n
}

func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Queued = len(o.queue)
	s.Inflight = len(o.inflight)
	return s
}

// Close drops everything still queued.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.queue = nil
	o.inflight = make(map[string]inflightFrame)
}
