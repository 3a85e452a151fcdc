package simulation

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/persistence"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/logger"
)

const tracerName = "github.com/GoSim-25-26J-441/diffusion-core/internal/simulation"

type options struct {
	runID     string
	workers   int
	logger    *slog.Logger
	clock     clock.Clock
	tracer    trace.Tracer
	store     persistence.Store
	every     int32         // checkpoint every n completed iterations
	interval  time.Duration // checkpoint when this much wall time passed
	observers []Observer
}

func defaultOptions() options {
	return options{
		workers: runtime.GOMAXPROCS(0),
		logger:  logger.Default,
		clock:   clock.New(),
		tracer:  otel.Tracer(tracerName),
	}
}

// Option configures a Simulator.
type Option func(*options)

// WithRunID sets the run id. A generated id is used otherwise.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithWorkers bounds the goroutines used for per-user decisions. Results do
// not depend on the value.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the clock used for interval checkpoints.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithTracer sets the tracer used for iteration spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithStore enables checkpoints to s: every n completed iterations (0
// disables), every interval of wall time (0 disables), on cancellation and
// when the run stops.
func WithStore(s persistence.Store, n int32, interval time.Duration) Option {
	return func(o *options) {
		o.store = s
		o.every = n
		o.interval = interval
	}
}

// WithObserver registers an observer of committed iterations.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}
