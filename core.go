// Package loopnet wires an event loop, an I/O engine, the idle-timer registry and
// metrics into one Instance that creates TCP sockets and servers.
package loopnet

import (
	"context"
	"sync"
	"time"

	E "github.com/sagernet/loopnet/common/exceptions"
	"github.com/sagernet/loopnet/common/log"
	"github.com/sagernet/loopnet/engine"
	"github.com/sagernet/loopnet/engine/netengine"
	"github.com/sagernet/loopnet/loop"
	"github.com/sagernet/loopnet/metrics"
	"github.com/sagernet/loopnet/timer"
	"github.com/sagernet/loopnet/transport/tcp"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const Version = "0.1.0"

type Options struct {
	// Logger defaults to the tagged standard logger.
	Logger logrus.FieldLogger
	// Clock drives idle timeouts; nil means the wall clock.
	Clock          clock.Clock
	ConnectTimeout time.Duration
	// Registerer receives the metrics collectors when set.
	Registerer prometheus.Registerer
	// Engine replaces the net engine, for tests.
	Engine func(l *loop.Loop) engine.Engine
}

type Instance struct {
	access  sync.Mutex
	closed  bool
	logger  logrus.FieldLogger
	loop    *loop.Loop
	engine  engine.Engine
	timers  *timer.Registry
	metrics *metrics.Metrics
	runtime *tcp.Runtime
}

func New(options Options) (*Instance, error) {
	logger := options.Logger
	if logger == nil {
		logger = log.NewLogger("loopnet")
	}
	m := metrics.New()
	if options.Registerer != nil {
		if err := m.Register(options.Registerer); err != nil {
			return nil, E.Cause(err, "register metrics")
		}
	}
	l := loop.New(logger.WithField("component", "loop"))
	var e engine.Engine
	if options.Engine != nil {
		e = options.Engine(l)
	} else {
		e = netengine.New(netengine.Options{
			Loop:           l,
			Logger:         logger.WithField("component", "engine"),
			ConnectTimeout: options.ConnectTimeout,
		})
	}
	timers := timer.NewRegistry(options.Clock, l)
	return &Instance{
		logger:  logger,
		loop:    l,
		engine:  e,
		timers:  timers,
		metrics: m,
		runtime: &tcp.Runtime{
			Loop:    l,
			Engine:  e,
			Timers:  timers,
			Logger:  logger.WithField("component", "tcp"),
			Metrics: m,
		},
	}, nil
}

func (i *Instance) Runtime() *tcp.Runtime {
	return i.runtime
}

func (i *Instance) Loop() *loop.Loop {
	return i.loop
}

func (i *Instance) Metrics() *metrics.Metrics {
	return i.metrics
}

// Post schedules task on the loop from any goroutine.
func (i *Instance) Post(task func()) bool {
	return i.loop.Post(task)
}

// Run processes loop tasks until ctx is done or the instance is closed.
func (i *Instance) Run(ctx context.Context) error {
	return i.loop.Run(ctx)
}

func (i *Instance) NewSocket(options tcp.SocketOptions) *tcp.Socket {
	return tcp.NewSocket(i.runtime, options)
}

// Connect must run on the loop, see Post.
func (i *Instance) Connect(options tcp.ConnectOptions, callback func(err error)) *tcp.Socket {
	return tcp.Connect(i.runtime, options, callback)
}

func (i *Instance) CreateServer(options tcp.ServerOptions, handler tcp.Handler) *tcp.Server {
	return tcp.NewServer(i.runtime, options, handler)
}

func (i *Instance) Close() error {
	i.access.Lock()
	defer i.access.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	errs := []error{i.loop.Close()}
	i.timers.Close()
	if releaser, isReleaser := i.engine.(engine.Releaser); isReleaser {
		errs = append(errs, releaser.CloseAll())
	}
	return E.Errors(errs...)
}
