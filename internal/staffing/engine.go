// Package staffing offers tasks to eligible workers and resolves their
// responses. Each offer is a StaffingRequest with one inquiry per candidate;
// the first accepted inquiry wins and every other open inquiry expires.
//
// Resolution runs in a store transaction that locks the request row, and the
// store rejects a second ACCEPTED inquiry for one request, so concurrent
// accepts produce exactly one winner.
package staffing

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-orchestra/internal/config"
	"github.com/ahrav/go-orchestra/internal/gatekeeper"
	"github.com/ahrav/go-orchestra/internal/notify"
	"github.com/ahrav/go-orchestra/internal/store"
	"github.com/ahrav/go-orchestra/internal/taskevent"
	"github.com/ahrav/go-orchestra/pkg/events"
)

const tracerName = "github.com/ahrav/go-orchestra/internal/staffing"

var (
	// ErrNoEligibleWorkers is returned when no worker passes certification,
	// capacity and prior-assignment filtering.
	ErrNoEligibleWorkers = errors.New("orchestra/staffing: no eligible workers")

	// ErrInquiryNotOwned is returned when a worker responds to another
	// worker's inquiry.
	ErrInquiryNotOwned = errors.New("orchestra/staffing: inquiry belongs to another worker")

	// ErrNotCertified is returned when a worker lost the certifications the
	// task needs between the offer and the response.
	ErrNotCertified = errors.New("orchestra/staffing: worker not certified for task")
)

// Engine sends staffing requests and resolves responses.
type Engine struct {
	store    store.Store
	gate     *gatekeeper.Gatekeeper
	features config.Features
	notifier notify.Notifier
	sink     events.EventSink
	emitter  *taskevent.Emitter
	tracer   trace.Tracer
	logger   *slog.Logger

	baseURL string
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets where offers are delivered.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithEventSink sets where status change events go.
func WithEventSink(sink events.EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithBaseURL sets the prefix of accept/reject links.
func WithBaseURL(u string) Option {
	return func(e *Engine) { e.baseURL = strings.TrimRight(u, "/") }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(s store.Store, gate *gatekeeper.Gatekeeper, features config.Features, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		gate:     gate,
		features: features,
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default().With("component", "staffing"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = notify.Discard
	}
	e.emitter = taskevent.NewEmitter(e.sink, "staffing", e.logger)
	return e
}

// AcceptURL returns the link a worker follows to accept an inquiry.
func (e *Engine) AcceptURL(inquiryID string) string {
	return e.baseURL + "/staffing/inquiries/" + inquiryID + "/accept"
}

// RejectURL returns the link a worker follows to decline an inquiry.
func (e *Engine) RejectURL(inquiryID string) string {
	return e.baseURL + "/staffing/inquiries/" + inquiryID + "/reject"
}
