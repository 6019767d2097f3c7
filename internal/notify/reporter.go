package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/extbridge/internal/bridge"
	"github.com/xkilldash9x/extbridge/internal/config"
)

// Report is one critical failure of a bridge command.
type Report struct {
	Command   string
	Error     string
	Timestamp time.Time
}

// Sink receives reports that made it through the throttle.
type Sink interface {
	Report(ctx context.Context, r Report) error
}

// LoggerSink writes reports to a logger.
type LoggerSink struct {
	Logger *zap.Logger
}

func (s LoggerSink) Report(_ context.Context, r Report) error {
	s.Logger.Error("Critical bridge error",
		zap.String("command", r.Command),
		zap.String("error", r.Error),
		zap.Time("at", r.Timestamp))
	return nil
}

// BusSink posts reports on TopicCriticalError.
type BusSink struct {
	Bus *Bus
}

func (s BusSink) Report(ctx context.Context, r Report) error {
	return s.Bus.Post(ctx, TopicCriticalError, r)
}

// MultiSink fans a report out to several sinks and returns the first error.
type MultiSink []Sink

func (m MultiSink) Report(ctx context.Context, r Report) error {
	var first error
	for _, s := range m {
		if err := s.Report(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Reporter queues critical errors and forwards them to a Sink at a bounded
// rate. ReportCritical never blocks: reports arriving while the queue is full
// are counted and dropped.
type Reporter struct {
	logger  *zap.Logger
	sink    Sink
	limiter *rate.Limiter
	queue   chan Report
	enabled bool

	dropped atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ bridge.CriticalReporter = (*Reporter)(nil)

// NewReporter creates a reporter from the reporting configuration. A
// disabled reporter discards everything.
func NewReporter(cfg config.ReportingConfig, sink Sink, logger *zap.Logger) *Reporter {
	r := &Reporter{
		logger:  logger.Named("reporter"),
		sink:    sink,
		enabled: cfg.Enabled && sink != nil,
		done:    make(chan struct{}),
	}
	if r.enabled {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
		r.queue = make(chan Report, cfg.QueueSize)
	}
	return r
}

// Start launches the forwarding worker. It stops when ctx is cancelled or
// Close is called.
func (r *Reporter) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		if !r.enabled {
			close(r.done)
			return
		}
		ctx, r.cancel = context.WithCancel(ctx)
		go r.run(ctx)
	})
}

func (r *Reporter) ReportCritical(command string, err error) {
	if !r.enabled || err == nil {
		return
	}
	rep := Report{Command: command, Error: err.Error(), Timestamp: time.Now().UTC()}
	select {
	case r.queue <- rep:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("Critical report queue full, dropping reports", zap.Int64("dropped", n))
		}
	}
}

// Dropped reports how many reports were discarded for lack of queue space.
func (r *Reporter) Dropped() int64 { return r.dropped.Load() }

func (r *Reporter) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case rep := <-r.queue:
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			if err := r.sink.Report(ctx, rep); err != nil {
				r.logger.Warn("Failed to deliver critical report", zap.String("command", rep.Command), zap.Error(err))
			}
		}
	}
}

// Close stops the worker and waits for it to exit. Queued reports that were
// not yet forwarded are discarded.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() {
		r.startOnce.Do(func() { close(r.done) })
		if r.cancel != nil {
			r.cancel()
		}
		<-r.done
	})
}
