// Package bus implements the durable publish/subscribe fabric carrying all
// lifecycle events: subject-based routing with wildcards, consumer groups,
// acknowledged at-least-once delivery with redelivery, a dead-letter stream,
// bounded retention, and replay from the backing stream store.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
	"github.com/copyleftdev/oxide-ci-sub000/internal/metrics"
)

// Defaults for delivery and retention.
const (
	DefaultAckWait      = 30 * time.Second
	DefaultMaxDeliver   = 3
	DefaultRetentionAge = 7 * 24 * time.Hour
	DefaultTrimInterval = time.Hour

	subscriptionBuffer = 1024
)

// Config tunes the bus.
type Config struct {
	// AckWait bounds one handler invocation; exceeding it counts as a
	// failed delivery.
	AckWait time.Duration
	// MaxDeliver is the number of delivery attempts before the event moves
	// to the dead-letter stream.
	MaxDeliver int
	// RetentionAge bounds how long records stay in the stream.
	RetentionAge time.Duration
	// RetentionBytes bounds the total stream payload size. Zero disables
	// the size bound.
	RetentionBytes int64
	// TrimInterval is how often retention is enforced.
	TrimInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = DefaultRetentionAge
	}
	if c.TrimInterval <= 0 {
		c.TrimInterval = DefaultTrimInterval
	}
}

// DeadLetter wraps an event that exhausted its delivery attempts.
type DeadLetter struct {
	Subject  string          `json:"subject"`
	Reason   string          `json:"reason"`
	Attempts int             `json:"attempts"`
	Data     json.RawMessage `json:"data"`
	At       time.Time       `json:"at"`
}

// StartPosition selects where a new subscription begins.
type StartPosition int

const (
	// DeliverNew delivers only events published after subscribing.
	DeliverNew StartPosition = iota
	// DeliverAll replays the retained stream from the beginning.
	DeliverAll
	// DeliverFromSequence replays from a given sequence number.
	DeliverFromSequence
)

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	position StartPosition
	fromSeq  uint64
}

// WithStartPosition sets the subscription's start position. Start positions
// apply to plain subscriptions only; queue groups always begin at new events
// because a replay would reach just one member.
func WithStartPosition(p StartPosition) SubscribeOption {
	return func(o *subscribeOptions) {
		o.position = p
	}
}

// WithStartSequence replays from the given sequence.
func WithStartSequence(seq uint64) SubscribeOption {
	return func(o *subscribeOptions) {
		o.position = DeliverFromSequence
		o.fromSeq = seq
	}
}

// Bus is the in-process implementation of core.EventBus backed by a durable
// StreamStore.
type Bus struct {
	cfg     Config
	store   StreamStore
	metrics *metrics.BusMetrics

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	groups map[string]*group
	nextID uint64
	closed bool

	trimCancel context.CancelFunc
	wg         sync.WaitGroup
}

var _ core.EventBus = (*Bus)(nil)

type rawHandler func(ctx context.Context, rec Record) error

// subscription delivers matching records through a single goroutine,
// preserving publish order.
type subscription struct {
	id      uint64
	pattern string
	group   *group
	handler rawHandler
	ch      chan Record
	done    chan struct{}
}

// group shares one delivery channel across members, load-balancing records.
type group struct {
	key     string
	pattern string
	ch      chan Record
	members int
}

// New creates a bus over the given store.
func New(store StreamStore, cfg Config, m *metrics.BusMetrics) *Bus {
	cfg.setDefaults()
	b := &Bus{
		cfg:     cfg,
		store:   store,
		metrics: m,
		subs:    make(map[uint64]*subscription),
		groups:  make(map[string]*group),
		nextID:  1,
	}

	trimCtx, cancel := context.WithCancel(context.Background())
	b.trimCancel = cancel
	b.wg.Add(1)
	go b.trimLoop(trimCtx)

	return b
}

// Publish durably appends the event and fans it out to matching
// subscriptions. It returns once the stream has accepted the record.
func (b *Bus) Publish(ctx context.Context, evt core.Event) error {
	subject := evt.Subject()
	if !ValidSubject(subject) {
		return fmt.Errorf("invalid subject %q", subject)
	}
	data, err := core.MarshalEvent(evt)
	if err != nil {
		return err
	}
	return b.publishRaw(ctx, subject, data)
}

func (b *Bus) publishRaw(ctx context.Context, subject string, data []byte) error {
	record, err := b.store.Append(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("append to stream: %w", err)
	}
	b.metrics.IncPublished(len(data))

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	seen := make(map[string]struct{})
	for _, sub := range b.subs {
		if !b.routable(sub.pattern, record.Subject) {
			continue
		}
		if sub.group != nil {
			// One delivery per group; members load-balance.
			if _, dup := seen[sub.group.key]; dup {
				continue
			}
			seen[sub.group.key] = struct{}{}
			select {
			case sub.group.ch <- record:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case sub.ch <- record:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// routable keeps dead-letter records away from broad event subscriptions;
// only patterns rooted at "dlq" see them.
func (b *Bus) routable(pattern, subject string) bool {
	if strings.HasPrefix(subject, core.SubjectDLQRoot+".") &&
		!strings.HasPrefix(pattern, core.SubjectDLQRoot) {
		return false
	}
	return MatchSubject(pattern, subject)
}

// Subscribe implements core.EventBus: every matching event is delivered to
// this subscriber.
func (b *Bus) Subscribe(ctx context.Context, pattern string, h core.EventHandler) (core.Unsubscribe, error) {
	return b.subscribe(ctx, pattern, "", eventHandler(h), nil)
}

// QueueSubscribe implements core.EventBus: subscribers sharing a group name
// load-balance matching events.
func (b *Bus) QueueSubscribe(ctx context.Context, pattern, groupName string, h core.EventHandler) (core.Unsubscribe, error) {
	if groupName == "" {
		return nil, fmt.Errorf("queue subscription needs a group name")
	}
	return b.subscribe(ctx, pattern, groupName, eventHandler(h), nil)
}

// SubscribeWithOptions subscribes with an explicit start position.
func (b *Bus) SubscribeWithOptions(ctx context.Context, pattern string, h core.EventHandler, opts ...SubscribeOption) (core.Unsubscribe, error) {
	o := &subscribeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return b.subscribe(ctx, pattern, "", eventHandler(h), o)
}

// SubscribeDead delivers dead-lettered events. The pattern is relative to
// the dlq root; "" subscribes to the whole dead-letter stream.
func (b *Bus) SubscribeDead(ctx context.Context, pattern string, h func(ctx context.Context, dl DeadLetter) error) (core.Unsubscribe, error) {
	full := core.SubjectDLQRoot + ".>"
	if pattern != "" {
		full = core.SubjectDLQRoot + "." + pattern
	}
	raw := func(ctx context.Context, rec Record) error {
		var dl DeadLetter
		if err := json.Unmarshal(rec.Data, &dl); err != nil {
			return fmt.Errorf("decode dead letter: %w", err)
		}
		return h(ctx, dl)
	}
	return b.subscribe(ctx, full, "", raw, nil)
}

func eventHandler(h core.EventHandler) rawHandler {
	return func(ctx context.Context, rec Record) error {
		evt, err := core.UnmarshalEvent(rec.Data)
		if err != nil {
			return err
		}
		return h(ctx, evt)
	}
}

func (b *Bus) subscribe(ctx context.Context, pattern, groupName string, h rawHandler, o *subscribeOptions) (core.Unsubscribe, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty subscription pattern")
	}
	if groupName != "" && o != nil && o.position != DeliverNew {
		return nil, fmt.Errorf("start positions are not supported for queue groups")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &subscription{
		id:      b.nextID,
		pattern: pattern,
		handler: h,
		done:    make(chan struct{}),
	}
	b.nextID++

	var deliverCh chan Record
	if groupName != "" {
		key := groupName + "|" + pattern
		g, ok := b.groups[key]
		if !ok {
			g = &group{key: key, pattern: pattern, ch: make(chan Record, subscriptionBuffer)}
			b.groups[key] = g
		}
		g.members++
		sub.group = g
		deliverCh = g.ch
	} else {
		sub.ch = make(chan Record, subscriptionBuffer)
		deliverCh = sub.ch
	}
	b.subs[sub.id] = sub
	b.metrics.AddSubscribers(1)

	// Start the consumer before any replay so the buffer drains.
	b.wg.Add(1)
	go b.consume(ctx, sub, deliverCh)

	// Replay happens under the lock so live publishes queue behind the
	// historical records and order is preserved.
	if o != nil && o.position != DeliverNew && sub.group == nil {
		fromSeq := uint64(1)
		if o.position == DeliverFromSequence {
			fromSeq = o.fromSeq
		}
		err := b.store.Range(ctx, fromSeq, func(rec Record) bool {
			if !b.routable(pattern, rec.Subject) {
				return true
			}
			select {
			case sub.ch <- rec:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil {
			b.removeLocked(sub)
			b.mu.Unlock()
			close(sub.done)
			return nil, fmt.Errorf("replay: %w", err)
		}
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		removed := b.removeLocked(sub)
		b.mu.Unlock()
		if removed {
			close(sub.done)
		}
	}, nil
}

// removeLocked detaches a subscription; the caller closes sub.done when it
// returns true.
func (b *Bus) removeLocked(sub *subscription) bool {
	if _, ok := b.subs[sub.id]; !ok {
		return false
	}
	delete(b.subs, sub.id)
	b.metrics.AddSubscribers(-1)
	if sub.group != nil {
		sub.group.members--
		if sub.group.members == 0 {
			delete(b.groups, sub.group.key)
		}
	}
	return true
}

// consume delivers records to the handler one at a time, retrying failed
// deliveries up to MaxDeliver before dead-lettering.
func (b *Bus) consume(ctx context.Context, sub *subscription, ch chan Record) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		case rec := <-ch:
			b.deliver(ctx, sub, rec)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, rec Record) {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxDeliver; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.AckWait)
		err := sub.handler(attemptCtx, rec)
		cancel()
		if err == nil {
			b.metrics.IncReceived(len(rec.Data))
			return
		}
		lastErr = err
		b.metrics.IncFailed()
		logger.Warn(ctx, "event delivery failed",
			tag.Subject(rec.Subject),
			tag.Sequence(rec.Sequence),
			tag.Attempt(attempt),
			tag.Error(err))

		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
	b.deadLetter(ctx, rec, lastErr)
}

// deadLetter routes an undeliverable record to dlq.<original subject>,
// preserving the original subject and payload.
func (b *Bus) deadLetter(ctx context.Context, rec Record, cause error) {
	reason := "delivery attempts exhausted"
	if cause != nil {
		reason = cause.Error()
	}
	dl := DeadLetter{
		Subject:  rec.Subject,
		Reason:   reason,
		Attempts: b.cfg.MaxDeliver,
		Data:     rec.Data,
		At:       time.Now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		logger.Error(ctx, "failed to encode dead letter", tag.Error(err))
		return
	}
	if err := b.publishRaw(ctx, core.SubjectDLQRoot+"."+rec.Subject, data); err != nil {
		logger.Error(ctx, "failed to publish dead letter",
			tag.Subject(rec.Subject), tag.Error(err))
		return
	}
	b.metrics.IncDeadLettered()
	logger.Warn(ctx, "event dead-lettered",
		tag.Subject(rec.Subject),
		tag.Sequence(rec.Sequence),
		tag.Reason(reason))
}

// Replay reads retained records matching the pattern directly from the
// store, without registering a live subscription.
func (b *Bus) Replay(ctx context.Context, pattern string, fromSeq uint64, fn func(core.Event) bool) error {
	return b.store.Range(ctx, fromSeq, func(rec Record) bool {
		if !b.routable(pattern, rec.Subject) {
			return true
		}
		evt, err := core.UnmarshalEvent(rec.Data)
		if err != nil {
			logger.Warn(ctx, "skipping undecodable record",
				tag.Sequence(rec.Sequence), tag.Error(err))
			return true
		}
		return fn(evt)
	})
}

func (b *Bus) trimLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.TrimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.cfg.RetentionAge)
			n, err := b.store.Trim(ctx, cutoff, b.cfg.RetentionBytes)
			if err != nil {
				logger.Error(ctx, "stream trim failed", tag.Error(err))
			} else if n > 0 {
				logger.Debug(ctx, "trimmed stream records", tag.Count(n))
			}
		}
	}
}

// Close stops background work and closes the store. Active subscriptions
// stop receiving new records.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		delete(b.subs, sub.id)
		b.metrics.AddSubscribers(-1)
		close(sub.done)
	}
	b.groups = map[string]*group{}
	b.mu.Unlock()

	b.trimCancel()
	b.wg.Wait()
	return b.store.Close()
}
