package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/driverlink/driver/framing"
	"github.com/guseggert/driverlink/driver/protocol"
	"github.com/guseggert/driverlink/driver/supervisor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Supervisor supervisor.Config
	// OnlineTimeout bounds how long GoOnline waits for a spawn attempt.
	OnlineTimeout time.Duration
	// HelloTimeout bounds how long GoOnline waits for the worker's hello.
	HelloTimeout time.Duration
	// WriteTimeout bounds each write to the worker connection. It only fires when the worker stops reading.
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Supervisor:    supervisor.DefaultConfig(),
		OnlineTimeout: 80 * time.Second,
		HelloTimeout:  5 * time.Second,
		WriteTimeout:  30 * time.Second,
	}
}

// Driver supervises one worker process and the connection to it.
//
// A single owner goroutine, started by Start, touches the worker process and the connection.
// Every other method may be called from any goroutine; the blocking ones wait on the owner
// goroutine, which never calls them itself.
type Driver struct {
	log     *zap.SugaredLogger
	cfg     Config
	sup     *supervisor.Supervisor
	supOpts []supervisor.Option
	hub     *hub
	metrics *Metrics

	inbox   *mailbox
	closing atomic.Bool
	started atomic.Bool
	// id of the owner goroutine, 0 until it starts
	owner   atomic.Uint64
	stopped chan struct{}

	mu        sync.Mutex
	spawnCond *sync.Cond
	state     State
	spawning  bool
	spawnGen  uint64
	stopping  bool
	connID    uint64
	handler   *protocol.Handler
	handshake supervisor.Handshake
	lastErr   *supervisor.Error

	// owned by the run goroutine
	worker       *supervisor.Worker
	workerExited <-chan struct{}
	stdout       *framing.Reader
	stderr       *framing.Reader
	conn         *connection
}

type Option func(d *Driver)

func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		d.log = l.Named("driver").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(d *Driver) {
		d.log = d.log.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(d *Driver) {
		d.supOpts = append(d.supOpts, opts...)
	}
}

func New(cfg Config, opts ...Option) (*Driver, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	d := &Driver{
		log:     logger.Named("driver").Sugar(),
		cfg:     cfg,
		inbox:   newMailbox(),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics()
	}
	d.spawnCond = sync.NewCond(&d.mu)
	d.hub = newHub(func(e Event) {
		d.metrics.DroppedEvents.WithLabelValues(e.Kind.String()).Inc()
	})
	d.sup = supervisor.New(cfg.Supervisor, d.log, d.supOpts...)
	d.metrics.State.Set(float64(Closed))
	return d, nil
}

// Start launches the owner goroutine. It is a no-op after the first call.
func (d *Driver) Start() {
	if d.started.CompareAndSwap(false, true) {
		go d.run()
	}
}

// Shutdown closes the worker and stops the owner goroutine. Subscriber channels are closed.
func (d *Driver) Shutdown(ctx context.Context) error {
	if !d.started.Load() {
		d.hub.Close()
		return nil
	}
	d.inbox.post(request{kind: reqShutdown})
	select {
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for driver to stop: %w", ctx.Err())
	}
}

func (d *Driver) Metrics() *Metrics {
	return d.metrics
}

func (d *Driver) Config() Config {
	return d.cfg
}

// Subscribe registers an event listener with the given channel buffer.
// The returned function unsubscribes and closes the channel.
func (d *Driver) Subscribe(buffer int) (<-chan Event, func()) {
	return d.hub.Subscribe(buffer)
}

// setState records a state transition. mu held.
func (d *Driver) setState(s State) {
	if d.state == s {
		return
	}
	d.log.Debugw("state changed", "From", d.state, "To", s)
	d.state = s
	d.metrics.State.Set(float64(s))
	d.hub.Publish(Event{Kind: EventStateChanged, State: s})
}
