package tcp

import (
	E "github.com/sagernet/loopnet/common/exceptions"
	M "github.com/sagernet/loopnet/common/metadata"
	"github.com/sagernet/loopnet/common/observable"
	"github.com/sagernet/loopnet/engine"

	"github.com/sirupsen/logrus"
)

// Server accepts connections on one listening socket and hands each of them to its
// Handler. Accepted sockets outlive the server.
type Server struct {
	runtime *Runtime
	logger  *logrus.Entry
	options ServerOptions
	handler Handler
	socket  *Socket

	listening   bool
	closed      bool
	connections int

	listeningSignal observable.Signal[struct{}]
	errorSignal     observable.Signal[error]
	closeSignal     observable.Signal[struct{}]
}

func NewServer(runtime *Runtime, options ServerOptions, handler Handler) *Server {
	socket := NewSocket(runtime, options.socketOptions())
	s := &Server{
		runtime: runtime,
		logger:  runtime.logger().WithField("server", socket.handle.ID()),
		options: options,
		handler: handler,
		socket:  socket,
	}
	socket.OnConnection(s.accept)
	socket.acceptErrorSignal.On(s.reportError)
	return s
}

// Listen binds to host and port, then starts accepting. An empty host means
// DefaultHost. A server built around an existing handle skips the bind. The callback
// runs on the next loop pass with the bind or listen error, which is also emitted
// through OnError.
func (s *Server) Listen(port uint16, host string, callback func(err error)) {
	if s.closed {
		s.listenDone(ErrNotListening, callback)
		return
	}
	if host == "" {
		host = DefaultHost
	}
	address := M.ParseSocksaddrHostPortNum(host, port)
	if s.options.Handle != nil || address.IsIP() {
		s.listen(address, callback)
		return
	}
	s.runtime.Engine.Resolve(host, port, func(addresses []M.Socksaddr, err error) {
		if err == nil && len(addresses) == 0 {
			err = engine.ErrNoAddress
		}
		if err != nil {
			s.listenDone(opError("resolve", address, err), callback)
			return
		}
		s.listen(addresses[0], callback)
	})
}

func (s *Server) listen(address M.Socksaddr, callback func(err error)) {
	var err error
	if s.options.Handle == nil {
		err = s.socket.Bind(address)
	}
	if err == nil {
		err = s.socket.Listen(s.options.Backlog)
	}
	if err == nil {
		s.listening = true
		s.logger.Info("listening on ", s.Address())
	} else {
		s.logger.Error("listen ", address, ": ", err)
	}
	s.listenDone(err, callback)
}

func (s *Server) listenDone(err error, callback func(err error)) {
	s.runtime.Loop.NextTick(func() {
		if err != nil {
			s.reportError(err)
		} else {
			s.listeningSignal.Emit(struct{}{})
		}
		if callback != nil {
			callback(err)
		}
	})
}

func (s *Server) reportError(err error) {
	if errorHandler, isHandler := s.handler.(E.Handler); isHandler {
		errorHandler.HandleError(err)
	}
	s.errorSignal.Emit(err)
}

func (s *Server) accept(conn *Socket) {
	s.connections++
	conn.OnClose(func(bool) {
		s.connections--
	})
	if s.options.NoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			s.logger.Warn(err)
		}
	}
	if s.options.KeepAlive {
		if err := conn.SetKeepAlive(true, s.options.KeepAliveDelay); err != nil {
			s.logger.Warn(err)
		}
	}
	if s.options.Timeout > 0 {
		conn.SetTimeout(s.options.Timeout, nil)
	}
	s.runtime.Metrics.Accepted()
	if s.handler != nil {
		s.handler.NewConnection(conn)
	}
}

// Address is the bound local address, or the zero value when not listening.
func (s *Server) Address() M.Socksaddr {
	if !s.listening {
		return M.Socksaddr{}
	}
	address, err := s.socket.Address()
	if err != nil {
		return M.Socksaddr{}
	}
	return address
}

// Close stops accepting. Connections already handed out stay open.
func (s *Server) Close(callback func(err error)) {
	if s.closed {
		if callback != nil {
			s.runtime.Loop.NextTick(func() { callback(ErrNotListening) })
		}
		return
	}
	s.closed = true
	s.listening = false
	s.socket.Destroy(nil, func(err error) {
		s.runtime.Loop.NextTick(func() {
			s.closeSignal.Emit(struct{}{})
			if callback != nil {
				callback(err)
			}
		})
	})
}

func (s *Server) Listening() bool {
	return s.listening
}

// Connections is the number of accepted sockets not yet closed.
func (s *Server) Connections() int {
	return s.connections
}

func (s *Server) OnListening(fn func()) observable.Subscription {
	return s.listeningSignal.On(func(struct{}) { fn() })
}

func (s *Server) OnError(fn func(err error)) observable.Subscription {
	return s.errorSignal.On(fn)
}

func (s *Server) OnClose(fn func()) observable.Subscription {
	return s.closeSignal.On(func(struct{}) { fn() })
}
