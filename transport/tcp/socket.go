package tcp

import (
	"errors"
	"time"

	M "github.com/sagernet/loopnet/common/metadata"
	"github.com/sagernet/loopnet/common/observable"
	"github.com/sagernet/loopnet/engine"
	"github.com/sagernet/loopnet/metrics"
	"github.com/sagernet/loopnet/stream"

	"github.com/sirupsen/logrus"
)

// Socket is one TCP endpoint driven by an engine handle. All methods must be called
// on the loop of its Runtime.
type Socket struct {
	runtime    *Runtime
	logger     *logrus.Entry
	handle     engine.Handle
	generation uint64
	state      State
	duplex     *stream.Duplex

	allowHalfOpen bool
	highWaterMark int
	reading       bool
	readDeferred  bool
	eofReceived   bool
	timeout       time.Duration
	deferred      []func()

	remoteAddress M.Socksaddr
	bytesRead     uint64
	bytesWritten  uint64

	connectSignal     observable.Signal[struct{}]
	errorSignal       observable.Signal[error]
	closeSignal       observable.Signal[bool]
	timeoutSignal     observable.Signal[struct{}]
	connectionSignal  observable.Signal[*Socket]
	acceptErrorSignal observable.Signal[error]
}

func NewSocket(runtime *Runtime, options SocketOptions) *Socket {
	handle := options.Handle
	if handle == nil {
		handle = runtime.Engine.CreateStream()
	}
	s := &Socket{
		runtime:       runtime,
		logger:        runtime.logger().WithField("handle", handle.ID()),
		handle:        handle,
		allowHalfOpen: options.AllowHalfOpen,
		highWaterMark: options.HighWaterMark,
	}
	s.duplex = stream.New((*duplexSource)(s), runtime.Loop, stream.Options{HighWaterMark: options.HighWaterMark})
	s.duplex.OnEnd(s.onReadEnd)
	s.duplex.OnFinish(s.onWriteFinish)
	return s
}

// Connect creates a socket and connects it in one call.
func Connect(runtime *Runtime, options ConnectOptions, callback func(err error)) *Socket {
	s := NewSocket(runtime, SocketOptions{})
	s.Connect(options, callback)
	return s
}

// Connect resolves the destination and connects to the first address found. Failures
// reach only the callback and return the socket to the idle state.
func (s *Socket) Connect(options ConnectOptions, callback func(err error)) {
	if callback == nil {
		callback = func(error) {}
	}
	if s.state == StateDestroyed {
		callback(ErrDestroyed)
		return
	}
	if !s.transition(EventConnect) {
		callback(ErrAlreadyConnected)
		return
	}
	s.active()
	host := options.Host
	if host == "" {
		host = DefaultHost
	}
	destination := M.ParseSocksaddrHostPortNum(host, options.Port)
	if options.LocalAddress.IsValid() {
		if err := s.runtime.Engine.Bind(s.handle, options.LocalAddress); err != nil {
			s.connectFailed(opError("bind", options.LocalAddress, err), callback)
			return
		}
	}
	s.logger.Debug("connecting to ", destination)
	generation := s.generation
	s.runtime.Engine.Resolve(host, options.Port, func(addresses []M.Socksaddr, err error) {
		if s.stale(generation) {
			return
		}
		if err == nil && len(addresses) == 0 {
			err = engine.ErrNoAddress
		}
		if err != nil {
			s.connectFailed(opError("resolve", destination, err), callback)
			return
		}
		address := addresses[0]
		s.runtime.Engine.Connect(s.handle, address, func(err error) {
			if s.stale(generation) || s.state != StateConnecting {
				return
			}
			if err != nil {
				s.connectFailed(opError("connect", address, err), callback)
				return
			}
			s.transition(EventConnected)
			s.opened(metrics.DirectionOutbound)
			if s.state == StateDestroyed {
				return
			}
			s.connectSignal.Emit(struct{}{})
			callback(nil)
		})
	})
}

func (s *Socket) connectFailed(err error, callback func(err error)) {
	s.transition(EventConnectFailed)
	s.runtime.Metrics.Error("connect")
	s.logger.Debug(err)
	callback(err)
}

func (s *Socket) accepted() {
	s.transition(EventAccepted)
	s.opened(metrics.DirectionInbound)
}

func (s *Socket) opened(direction string) {
	s.remoteAddress, _ = s.runtime.Engine.PeerAddress(s.handle)
	s.runtime.Metrics.SocketOpened(direction)
	s.logger.Debug(direction, " connection ", s.remoteAddress)
	deferred := s.deferred
	s.deferred = nil
	s.readDeferred = false
	for _, operation := range deferred {
		if s.state == StateDestroyed {
			return
		}
		operation()
	}
	s.duplex.Kick()
}

func (s *Socket) transition(event Event) bool {
	next, ok := Transition(s.state, event)
	if !ok {
		s.logger.Trace("ignored ", event, " while ", s.state)
		return false
	}
	s.logger.Trace(s.state, " -> ", next, " on ", event)
	if next == StateDestroyed {
		s.destroy(nil, nil)
		return true
	}
	s.state = next
	return true
}

func (s *Socket) stale(generation uint64) bool {
	return s.handle == nil || generation != s.generation
}

func (s *Socket) fail(op string, err error) {
	s.runtime.Metrics.Error(op)
	s.Destroy(opError(op, s.remoteAddress, err), nil)
}

func (s *Socket) active() {
	if s.timeout > 0 && s.runtime.Timers != nil {
		s.runtime.Timers.Active(s)
	}
}

func (s *Socket) read(size int) {
	s.active()
	switch s.state {
	case StateIdle, StateConnecting:
		if !s.readDeferred {
			s.readDeferred = true
			s.deferred = append(s.deferred, func() { s.read(size) })
		}
		return
	case StateOpen, StateWriteClosed:
	default:
		return
	}
	if s.reading || s.eofReceived {
		return
	}
	s.reading = true
	generation := s.generation
	err := s.runtime.Engine.ReadStart(s.handle, func(data []byte, err error) {
		s.onRead(generation, data, err)
	})
	if err != nil {
		s.reading = false
		s.fail("read", err)
	}
}

func (s *Socket) onRead(generation uint64, data []byte, err error) {
	if s.stale(generation) {
		return
	}
	s.active()
	if err != nil {
		s.reading = false
		s.fail("read", err)
		return
	}
	if data == nil {
		s.reading = false
		s.eofReceived = true
		s.logger.Trace("end of stream")
		s.duplex.PushEOF()
		return
	}
	s.bytesRead += uint64(len(data))
	s.runtime.Metrics.BytesRead(len(data))
	if !s.duplex.Push(data) && s.reading && s.handle != nil {
		s.stopReading()
	}
}

func (s *Socket) stopReading() {
	s.reading = false
	if err := s.runtime.Engine.ReadStop(s.handle); err != nil {
		s.fail("read", err)
	}
}

func (s *Socket) write(data []byte, onDone func(err error)) {
	s.active()
	switch s.state {
	case StateIdle, StateConnecting:
		s.deferred = append(s.deferred, func() { s.write(data, onDone) })
		return
	case StateOpen, StateReadClosed:
	default:
		onDone(ErrDestroyed)
		return
	}
	generation := s.generation
	s.runtime.Engine.Write(s.handle, data, func(err error) {
		if s.stale(generation) {
			return
		}
		if err != nil {
			s.fail("write", err)
			return
		}
		s.bytesWritten += uint64(len(data))
		s.runtime.Metrics.BytesWritten(len(data))
	})
	onDone(nil)
}

func (s *Socket) final(onDone func(err error)) {
	switch s.state {
	case StateIdle, StateConnecting:
		s.deferred = append(s.deferred, func() { s.final(onDone) })
		return
	case StateDestroyed:
		return
	}
	s.Shutdown(func(err error) {
		if err != nil {
			s.fail("shutdown", err)
			return
		}
		onDone(nil)
	})
}

func (s *Socket) onReadEnd() {
	if !s.transition(EventReadEnd) {
		return
	}
	if s.state == StateReadClosed && !s.allowHalfOpen && s.duplex.Writable() {
		_ = s.duplex.End()
	}
}

func (s *Socket) onWriteFinish() {
	s.transition(EventWriteFinish)
}

// Shutdown half-closes the write side. The callback runs synchronously when the
// handle is already closing and never runs once the socket is destroyed.
func (s *Socket) Shutdown(callback func(err error)) {
	if s.state == StateDestroyed || s.handle == nil {
		return
	}
	if callback == nil {
		callback = func(error) {}
	}
	if s.runtime.Engine.IsClosing(s.handle) {
		callback(nil)
		return
	}
	generation := s.generation
	s.runtime.Engine.Shutdown(s.handle, func(err error) {
		if s.stale(generation) {
			return
		}
		callback(err)
	})
}

// Done stops writing, shuts the write side down and destroys the socket once the
// shutdown completes. A write side already ending is not shut down twice; the
// socket is destroyed when it finishes.
func (s *Socket) Done() {
	if s.state == StateDestroyed {
		return
	}
	s.duplex.SetWritable(false)
	switch s.state {
	case StateConnecting:
		s.deferred = append(s.deferred, s.Done)
		return
	case StateIdle, StateListening, StateWriteClosed:
		s.Destroy(nil, nil)
		return
	}
	if s.duplex.Ending() {
		s.duplex.OnceFinish(func() {
			s.Destroy(nil, nil)
		})
		return
	}
	s.Shutdown(func(err error) {
		s.Destroy(opError("shutdown", s.remoteAddress, err), nil)
	})
}

// Destroy releases the handle. Only the first call has an effect; later calls just
// run the callback. The error, if any, is emitted on the next loop pass, followed by
// close.
func (s *Socket) Destroy(err error, callback func(err error)) {
	if s.state == StateDestroyed || s.handle == nil {
		if callback != nil {
			callback(err)
		}
		return
	}
	s.logger.Trace(s.state, " -> ", StateDestroyed, " on ", EventDestroy)
	s.destroy(err, callback)
}

func (s *Socket) destroy(err error, callback func(err error)) {
	previous := s.state
	s.state = StateDestroyed
	if s.runtime.Timers != nil {
		s.runtime.Timers.Unenroll(s)
	}
	s.duplex.Destroy()
	s.reading = false
	s.deferred = nil
	handle := s.handle
	s.handle = nil
	s.generation++
	switch previous {
	case StateOpen, StateReadClosed, StateWriteClosed:
		s.runtime.Metrics.SocketClosed()
	}
	if err != nil {
		s.logger.Debug("destroyed: ", err)
	}
	closing := s.runtime.Engine.IsClosing(handle)
	if !closing {
		s.runtime.Engine.Close(handle)
	}
	if callback != nil {
		callback(err)
	}
	s.runtime.Loop.NextTick(func() {
		if err != nil && !closing {
			s.errorSignal.Emit(err)
		}
		s.closeSignal.Emit(err != nil)
	})
}

// SetTimeout arms the idle timeout; zero disables it. The callback is subscribed once
// to the timeout event.
func (s *Socket) SetTimeout(timeout time.Duration, callback func()) {
	if s.state == StateDestroyed || s.runtime.Timers == nil {
		return
	}
	if timeout <= 0 {
		s.timeout = 0
		s.runtime.Timers.Unenroll(s)
		return
	}
	s.timeout = timeout
	s.runtime.Timers.Enroll(s, timeout)
	s.runtime.Timers.Active(s)
	if callback != nil {
		s.timeoutSignal.Once(func(struct{}) { callback() })
	}
}

// OnIdle implements timer.Owner. It only signals; destroying is left to listeners.
func (s *Socket) OnIdle() {
	if s.state == StateDestroyed {
		return
	}
	s.runtime.Metrics.Timeout()
	s.logger.Debug("idle timeout after ", s.timeout)
	s.timeoutSignal.Emit(struct{}{})
}

// Listen turns the socket into an accept source; every accepted connection is
// emitted through OnConnection.
func (s *Socket) Listen(backlog int) error {
	switch s.state {
	case StateDestroyed:
		return ErrDestroyed
	case StateListening:
		return ErrAlreadyListening
	case StateIdle:
	default:
		return ErrAlreadyConnected
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	generation := s.generation
	err := s.runtime.Engine.Listen(s.handle, backlog, func(err error) {
		s.onConnection(generation, err)
	})
	if err != nil {
		address, _ := s.Address()
		return opError("listen", address, err)
	}
	s.transition(EventListen)
	return nil
}

func (s *Socket) onConnection(generation uint64, err error) {
	if s.stale(generation) || s.state != StateListening {
		return
	}
	if err == nil {
		client := s.runtime.Engine.CreateStream()
		err = s.runtime.Engine.Accept(s.handle, client)
		if err == nil {
			conn := NewSocket(s.runtime, SocketOptions{
				Handle:        client,
				AllowHalfOpen: s.allowHalfOpen,
				HighWaterMark: s.highWaterMark,
			})
			conn.accepted()
			s.connectionSignal.Emit(conn)
			return
		}
		s.runtime.Engine.Close(client)
		if errors.Is(err, engine.ErrWouldBlock) {
			return
		}
	}
	s.runtime.Metrics.Error("accept")
	s.logger.Warn("accept: ", err)
	address, _ := s.Address()
	s.acceptErrorSignal.Emit(opError("accept", address, err))
}

func (s *Socket) Bind(address M.Socksaddr) error {
	if s.handle == nil {
		return ErrDestroyed
	}
	return opError("bind", address, s.runtime.Engine.Bind(s.handle, address))
}

func (s *Socket) SetNoDelay(enable bool) error {
	if s.handle == nil {
		return ErrDestroyed
	}
	if s.runtime.Engine.IsClosing(s.handle) {
		return nil
	}
	return opError("nodelay", s.remoteAddress, s.runtime.Engine.SetNoDelay(s.handle, enable))
}

func (s *Socket) SetKeepAlive(enable bool, delay time.Duration) error {
	if s.handle == nil {
		return ErrDestroyed
	}
	if s.runtime.Engine.IsClosing(s.handle) {
		return nil
	}
	return opError("keepalive", s.remoteAddress, s.runtime.Engine.SetKeepAlive(s.handle, enable, delay))
}

// Pause stops the read stream. Resume, OnData or Read start it again.
func (s *Socket) Pause() {
	s.duplex.Pause()
	if s.reading && s.handle != nil {
		s.stopReading()
	}
}

func (s *Socket) Resume() {
	s.duplex.Resume()
}

func (s *Socket) Address() (M.Socksaddr, error) {
	if s.handle == nil {
		return M.Socksaddr{}, ErrDestroyed
	}
	return s.runtime.Engine.LocalAddress(s.handle)
}

func (s *Socket) Getsockname() (M.Socksaddr, error) {
	return s.Address()
}

// RemoteAddress is the peer address recorded when the socket opened.
func (s *Socket) RemoteAddress() M.Socksaddr {
	return s.remoteAddress
}

func (s *Socket) Write(data []byte) error {
	switch s.state {
	case StateDestroyed:
		return ErrDestroyed
	case StateListening:
		return ErrListening
	}
	return s.duplex.Write(data)
}

// End writes the optional final chunks and closes the write side after them.
func (s *Socket) End(data ...[]byte) error {
	switch s.state {
	case StateDestroyed:
		return ErrDestroyed
	case StateListening:
		return ErrListening
	}
	return s.duplex.End(data...)
}

// Read copies buffered data without blocking; see stream.Duplex.Read.
func (s *Socket) Read(p []byte) (int, error) {
	if s.state == StateDestroyed {
		return 0, ErrDestroyed
	}
	return s.duplex.Read(p)
}

func (s *Socket) State() State {
	return s.state
}

func (s *Socket) Connecting() bool {
	return s.state == StateConnecting
}

func (s *Socket) Destroyed() bool {
	return s.state == StateDestroyed
}

func (s *Socket) Readable() bool {
	return s.duplex.Readable()
}

func (s *Socket) Writable() bool {
	return s.duplex.Writable()
}

func (s *Socket) NeedDrain() bool {
	return s.duplex.NeedDrain()
}

func (s *Socket) BytesRead() uint64 {
	return s.bytesRead
}

func (s *Socket) BytesWritten() uint64 {
	return s.bytesWritten
}

func (s *Socket) OnData(fn func(data []byte)) observable.Subscription {
	return s.duplex.OnData(fn)
}

func (s *Socket) OffData(subscription observable.Subscription) {
	s.duplex.OffData(subscription)
}

func (s *Socket) OnEnd(fn func()) observable.Subscription {
	return s.duplex.OnEnd(fn)
}

func (s *Socket) OnFinish(fn func()) observable.Subscription {
	return s.duplex.OnFinish(fn)
}

func (s *Socket) OnConnect(fn func()) observable.Subscription {
	return s.connectSignal.On(func(struct{}) { fn() })
}

func (s *Socket) OnError(fn func(err error)) observable.Subscription {
	return s.errorSignal.On(fn)
}

func (s *Socket) OnClose(fn func(hadError bool)) observable.Subscription {
	return s.closeSignal.On(fn)
}

func (s *Socket) OnTimeout(fn func()) observable.Subscription {
	return s.timeoutSignal.On(func(struct{}) { fn() })
}

func (s *Socket) OnConnection(fn func(conn *Socket)) observable.Subscription {
	return s.connectionSignal.On(fn)
}

type duplexSource Socket

func (s *duplexSource) Read(size int) {
	(*Socket)(s).read(size)
}

func (s *duplexSource) Write(data []byte, onDone func(err error)) {
	(*Socket)(s).write(data, onDone)
}

func (s *duplexSource) Final(onDone func(err error)) {
	(*Socket)(s).final(onDone)
}
