// Package engine defines the asynchronous I/O backend sockets drive. Every
// completion callback is delivered on the event loop the engine was created with.
package engine

import (
	"time"

	M "github.com/sagernet/loopnet/common/metadata"
)

// Handle is an opaque reference to an engine-owned stream or listener.
type Handle interface {
	ID() uint64
}

// ReadFunc receives one chunk per call. A nil chunk with a nil error is end of stream.
type ReadFunc func(data []byte, err error)

type Engine interface {
	CreateStream() Handle
	Bind(handle Handle, address M.Socksaddr) error
	Connect(handle Handle, destination M.Socksaddr, onDone func(err error))
	Resolve(host string, port uint16, onDone func(addresses []M.Socksaddr, err error))

	ReadStart(handle Handle, onRead ReadFunc) error
	ReadStop(handle Handle) error
	Write(handle Handle, data []byte, onDone func(err error))
	Shutdown(handle Handle, onDone func(err error))
	Close(handle Handle)
	IsClosing(handle Handle) bool

	Listen(handle Handle, backlog int, onConnection func(err error)) error
	Accept(listener Handle, client Handle) error

	LocalAddress(handle Handle) (M.Socksaddr, error)
	PeerAddress(handle Handle) (M.Socksaddr, error)
	SetNoDelay(handle Handle, enable bool) error
	SetKeepAlive(handle Handle, enable bool, delay time.Duration) error
}

// Releaser is implemented by engines holding resources beyond their handles.
type Releaser interface {
	CloseAll() error
}
