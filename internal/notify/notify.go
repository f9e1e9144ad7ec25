// Package notify delivers best-effort messages to workers over email and
// Slack. Delivery failures are logged and never returned: notifications are
// secondary effects of state changes that have already committed.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-orchestra/internal/config"
	"github.com/ahrav/go-orchestra/internal/domain"
)

// Channel is a delivery medium.
type Channel string

// Channels.
const (
	ChannelEmail Channel = "email"
	ChannelSlack Channel = "slack"
)

// ErrNoRoute is returned by Route when a worker cannot be reached on any
// enabled channel.
var ErrNoRoute = errors.New("orchestra/notify: no enabled channel reaches worker")

// Message is one outbound notification.
type Message struct {
	Channel Channel
	// Recipient is an email address or a Slack user ID depending on Channel.
	Recipient string
	Subject   string
	Body      string
}

// Sender delivers a message on one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier is the collaborator the core depends on. Notify must not wait
// for delivery.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// Route picks the channel and recipient for w: Slack when enabled and the
// worker has a Slack ID, otherwise email when enabled and known.
func Route(w *domain.Worker, f config.Features) (Channel, string, error) {
	switch {
	case w == nil:
	case f.Slack && w.SlackUserID != "":
		return ChannelSlack, w.SlackUserID, nil
	case f.Email && w.Email != "":
		return ChannelEmail, w.Email, nil
	}
	return "", "", ErrNoRoute
}

const (
	maxAttempts        = 2
	defaultRetryDelay  = 500 * time.Millisecond
	defaultQueueSize   = 1024
	defaultWorkers     = 4
	defaultSendTimeout = 30 * time.Second
)

// Dispatcher routes messages to channel senders with throttling, a single
// retry and a per-channel breaker. Notify only enqueues; a fixed pool of
// goroutines owned by the Dispatcher performs delivery. It implements
// Notifier.
type Dispatcher struct {
	senders     map[Channel]Sender
	features    config.Features
	limiter     *rate.Limiter
	retryDelay  time.Duration
	sendTimeout time.Duration
	logger      *slog.Logger

	breakers         map[Channel]*breaker
	failureThreshold int
	openTimeout      time.Duration

	queueSize int
	workers   int
	queue     chan delivery
	mu        sync.RWMutex
	closed    bool
	g         errgroup.Group
}

type delivery struct {
	ctx context.Context
	msg Message
}

var _ Notifier = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSender registers the sender for a channel.
func WithSender(ch Channel, s Sender) Option {
	return func(d *Dispatcher) { d.senders[ch] = s }
}

// WithRateLimit throttles outbound messages across all channels.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) { d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithRetryDelay sets the pause before the second attempt.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelay = delay }
}

// WithSendTimeout bounds the delivery of one message, throttling and retry
// included.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// WithQueue sets the number of buffered messages and delivery goroutines.
// Messages that arrive while the buffer is full are dropped.
func WithQueue(size, workers int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
		if workers > 0 {
			d.workers = workers
		}
	}
}

// WithBreaker stops deliveries on a channel for openTimeout after threshold
// consecutive failed messages. A threshold of zero disables breaking.
func WithBreaker(threshold int, openTimeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.failureThreshold = threshold
		d.openTimeout = openTimeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a Dispatcher honoring the capability toggles in f
// and starts its delivery goroutines. Call Close to stop them.
func NewDispatcher(f config.Features, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		senders:     make(map[Channel]Sender),
		features:    f,
		limiter:     rate.NewLimiter(rate.Inf, 0),
		retryDelay:  defaultRetryDelay,
		sendTimeout: defaultSendTimeout,
		logger:      slog.Default().With("component", "notify"),
		breakers:    make(map[Channel]*breaker),

		failureThreshold: defaultFailureThreshold,
		openTimeout:      defaultOpenTimeout,
		queueSize:        defaultQueueSize,
		workers:          defaultWorkers,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.failureThreshold > 0 {
		for ch := range d.senders {
			d.breakers[ch] = newBreaker(ch, d.failureThreshold, d.openTimeout, d.logger)
		}
	}

	d.queue = make(chan delivery, d.queueSize)
	for range d.workers {
		d.g.Go(func() error {
			for job := range d.queue {
				d.deliver(job.ctx, job.msg)
			}
			return nil
		})
	}
	return d
}

// Close stops accepting messages and waits until the queued ones have been
// delivered or have timed out.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	return d.g.Wait()
}

func (d *Dispatcher) enabled(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return d.features.Email
	case ChannelSlack:
		return d.features.Slack
	default:
		return false
	}
}

// Notify queues msg for delivery and returns without waiting for it. The
// delivery keeps ctx's values but not its cancellation, and is bounded by
// the send timeout instead.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) {
	log := d.logger.With("channel", msg.Channel, "recipient", msg.Recipient)
	if !d.enabled(msg.Channel) {
		log.DebugContext(ctx, "channel disabled, dropping notification")
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		log.WarnContext(ctx, "dispatcher closed, dropping notification")
		return
	}
	select {
	case d.queue <- delivery{ctx: context.WithoutCancel(ctx), msg: msg}:
	default:
		log.WarnContext(ctx, "notification queue full, dropping notification", "queue_size", d.queueSize)
	}
}

// deliver sends msg, trying at most twice. Failures are logged.
func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	log := d.logger.With("channel", msg.Channel, "recipient", msg.Recipient)

	sender, ok := d.senders[msg.Channel]
	if !ok {
		log.WarnContext(ctx, "no sender registered, dropping notification")
		return
	}
	b := d.breakers[msg.Channel]
	probe := false
	if b != nil {
		var ok bool
		if ok, probe = b.allow(); !ok {
			log.WarnContext(ctx, "channel breaker open, dropping notification")
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if err := d.limiter.Wait(ctx); err != nil {
		if b != nil {
			b.release(probe)
		}
		log.WarnContext(ctx, "notification throttled past deadline", "error", err)
		return
	}

	sent := false
	if b != nil {
		defer func() { b.record(sent, probe) }()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				log.WarnContext(ctx, "notification timed out", "error", ctx.Err())
				return
			}
		}
		if lastErr = sender.Send(ctx, msg); lastErr == nil {
			sent = true
			log.DebugContext(ctx, "notification sent", "attempt", attempt)
			return
		}
	}
	log.ErrorContext(ctx, "notification failed", "attempts", maxAttempts, "error", lastErr)
}

// NotifyWorker routes and delivers a message to w.
func (d *Dispatcher) NotifyWorker(ctx context.Context, w *domain.Worker, subject, body string) {
	ch, recipient, err := Route(w, d.features)
	if err != nil {
		d.logger.DebugContext(ctx, "worker unreachable", "worker_id", workerID(w), "error", err)
		return
	}
	d.Notify(ctx, Message{Channel: ch, Recipient: recipient, Subject: subject, Body: body})
}

func workerID(w *domain.Worker) string {
	if w == nil {
		return ""
	}
	return w.ID
}

// Discard is a Notifier that drops every message.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(context.Context, Message) {}

// Recorder is a Notifier that keeps messages in memory.
type Recorder struct {
	msgs chan Message
}

// NewRecorder creates a Recorder buffering up to size messages.
func NewRecorder(size int) *Recorder {
	return &Recorder{msgs: make(chan Message, size)}
}

// Notify implements Notifier. Messages beyond the buffer are dropped.
func (r *Recorder) Notify(_ context.Context, msg Message) {
	select {
	case r.msgs <- msg:
	default:
	}
}

// Drain returns the recorded messages.
func (r *Recorder) Drain() []Message {
	var out []Message
	for {
		select {
		case m := <-r.msgs:
			out = append(out, m)
		default:
			return out
		}
	}
}

func (m Message) String() string {
	return fmt.Sprintf("%s to %s: %s", m.Channel, m.Recipient, m.Subject)
}
