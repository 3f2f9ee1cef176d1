package tcp

import (
	"time"

	M "github.com/sagernet/loopnet/common/metadata"
	"github.com/sagernet/loopnet/engine"
)

const (
	DefaultBacklog = 128
	DefaultHost    = "0.0.0.0"
)

// SocketOptions configure a Socket at construction. Handle adopts an existing engine
// handle instead of creating one.
type SocketOptions struct {
	Handle        engine.Handle
	AllowHalfOpen bool
	HighWaterMark int
}

// ConnectOptions name the destination of Connect. An empty Host means DefaultHost.
type ConnectOptions struct {
	Host         string
	Port         uint16
	LocalAddress M.Socksaddr
}

type ServerOptions struct {
	Handle         engine.Handle
	Backlog        int
	AllowHalfOpen  bool
	HighWaterMark  int
	Timeout        time.Duration
	NoDelay        bool
	KeepAlive      bool
	KeepAliveDelay time.Duration
}

func (o ServerOptions) socketOptions() SocketOptions {
	return SocketOptions{
		Handle:        o.Handle,
		AllowHalfOpen: o.AllowHalfOpen,
		HighWaterMark: o.HighWaterMark,
	}
}
