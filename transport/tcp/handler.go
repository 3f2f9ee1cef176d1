package tcp

import (
	"github.com/sagernet/loopnet/common/log"
	"github.com/sagernet/loopnet/engine"
	"github.com/sagernet/loopnet/metrics"
	"github.com/sagernet/loopnet/timer"

	"github.com/sirupsen/logrus"
)

// Handler receives every connection accepted by a Server. A Handler that also
// implements E.Handler receives the server's listen and accept errors.
type Handler interface {
	NewConnection(conn *Socket)
}

type HandlerFunc func(conn *Socket)

func (f HandlerFunc) NewConnection(conn *Socket) {
	f(conn)
}

type Scheduler interface {
	Post(task func()) bool
	NextTick(task func())
}

// Runtime carries the collaborators shared by every socket on one loop.
type Runtime struct {
	Loop    Scheduler
	Engine  engine.Engine
	Timers  *timer.Registry
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

func (r *Runtime) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return log.Discard()
	}
	return r.Logger
}
