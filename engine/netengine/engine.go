// Package netengine implements engine.Engine on top of package net. Blocking calls
// run on goroutines owned by each handle; their completions are posted to the loop.
package netengine

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	E "github.com/sagernet/loopnet/common/exceptions"
	"github.com/sagernet/loopnet/common/log"
	M "github.com/sagernet/loopnet/common/metadata"
	"github.com/sagernet/loopnet/engine"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConnectTimeout = 75 * time.Second
	readBufferSize        = 64 * 1024
)

var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Releaser = (*Engine)(nil)
)

type Poster interface {
	Post(task func()) bool
}

type Options struct {
	Loop           Poster
	Logger         logrus.FieldLogger
	ConnectTimeout time.Duration
	Resolver       *net.Resolver
}

type Engine struct {
	poster         Poster
	logger         logrus.FieldLogger
	connectTimeout time.Duration
	resolver       *net.Resolver
	ctx            context.Context
	cancel         context.CancelFunc
	nextID         atomic.Uint64
	access         sync.Mutex
	streams        map[uint64]*stream
}

func New(options Options) *Engine {
	if options.Loop == nil {
		panic("netengine: missing loop")
	}
	if options.Logger == nil {
		options.Logger = log.Discard()
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.Resolver == nil {
		options.Resolver = net.DefaultResolver
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		poster:         options.Loop,
		logger:         options.Logger,
		connectTimeout: options.ConnectTimeout,
		resolver:       options.Resolver,
		ctx:            ctx,
		cancel:         cancel,
		streams:        make(map[uint64]*stream),
	}
}

func (e *Engine) post(task func()) bool {
	return e.poster.Post(task)
}

// CloseAll releases every live handle. Pending completions are dropped.
func (e *Engine) CloseAll() error {
	e.cancel()
	e.access.Lock()
	streams := make([]*stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.access.Unlock()
	var errs []error
	for _, s := range streams {
		errs = append(errs, s.close())
	}
	return E.Errors(errs...)
}

// Len is the number of handles not yet closed.
func (e *Engine) Len() int {
	e.access.Lock()
	defer e.access.Unlock()
	return len(e.streams)
}

func (e *Engine) stream(handle engine.Handle) (*stream, error) {
	s, ok := handle.(*stream)
	if !ok || s == nil || s.engine != e {
		return nil, engine.ErrInvalidHandle
	}
	if s.closed.Load() {
		return nil, engine.ErrClosed
	}
	return s, nil
}

func (e *Engine) CreateStream() engine.Handle {
	ctx, cancel := context.WithCancel(e.ctx)
	s := &stream{
		id:          e.nextID.Add(1),
		engine:      e,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		resume:      make(chan struct{}, 1),
		writeSignal: make(chan struct{}, 1),
		writes:      queue.New(),
		inbound:     queue.New(),
		accepted:    queue.New(),
	}
	e.access.Lock()
	e.streams[s.id] = s
	e.access.Unlock()
	return s
}

func (e *Engine) Bind(handle engine.Handle, address M.Socksaddr) error {
	s, err := e.stream(handle)
	if err != nil {
		return err
	}
	if !address.IsIP() {
		return E.Cause(engine.ErrInvalidAddress, "bind ", address)
	}
	s.bind = address
	return nil
}

func (e *Engine) Connect(handle engine.Handle, destination M.Socksaddr, onDone func(err error)) {
	s, err := e.stream(handle)
	if err == nil && !destination.IsIP() {
		err = E.Cause(engine.ErrInvalidAddress, "connect ", destination)
	}
	if err != nil {
		e.post(func() { onDone(err) })
		return
	}
	dialer := net.Dialer{
		Timeout:   e.connectTimeout,
		KeepAlive: -1,
	}
	if s.bind.IsValid() {
		dialer.LocalAddr = s.bind.TCPAddr()
	}
	go func() {
		conn, err := dialer.DialContext(s.ctx, M.NetworkFromAddr("tcp", destination.Addr), destination.String())
		if !e.post(func() {
			if err != nil {
				if s.closed.Load() && E.IsCanceled(err) {
					err = engine.ErrCanceled
				}
				onDone(err)
				return
			}
			if s.closed.Load() {
				conn.Close()
				onDone(engine.ErrCanceled)
				return
			}
			onDone(s.attach(conn.(*net.TCPConn)))
		}) && conn != nil {
			conn.Close()
		}
	}()
}

func (e *Engine) Resolve(host string, port uint16, onDone func(addresses []M.Socksaddr, err error)) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addresses := []M.Socksaddr{M.SocksaddrFrom(addr, port)}
		e.post(func() { onDone(addresses, nil) })
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.connectTimeout)
		defer cancel()
		addrs, err := e.resolver.LookupNetIP(ctx, "ip", host)
		var addresses []M.Socksaddr
		for _, addr := range addrs {
			addresses = append(addresses, M.SocksaddrFrom(addr, port))
		}
		if err == nil && len(addresses) == 0 {
			err = E.Cause(engine.ErrNoAddress, "lookup ", host)
		}
		e.post(func() { onDone(addresses, err) })
	}()
}

func (e *Engine) ReadStart(handle engine.Handle, onRead engine.ReadFunc) error {
	s, err := e.stream(handle)
	if err != nil {
		return err
	}
	if s.conn == nil {
		return engine.ErrNotConnected
	}
	s.onRead = onRead
	if s.reading {
		return nil
	}
	s.reading = true
	if !s.readerStarted {
		s.readerStarted = true
		go s.readLoop(s.conn)
	} else {
		s.paused.Store(false)
		_ = s.conn.SetReadDeadline(time.Time{})
		select {
		case s.resume <- struct{}{}:
		default:
		}
	}
	s.flushInbound()
	return nil
}

func (e *Engine) ReadStop(handle engine.Handle) error {
	s, err := e.stream(handle)
	if err != nil {
		return err
	}
	if !s.reading {
		return nil
	}
	s.reading = false
	s.paused.Store(true)
	return s.conn.SetReadDeadline(time.Now())
}

func (e *Engine) Write(handle engine.Handle, data []byte, onDone func(err error)) {
	e.enqueue(handle, writeOp{data: data, onDone: onDone})
}

func (e *Engine) Shutdown(handle engine.Handle, onDone func(err error)) {
	e.enqueue(handle, writeOp{shutdown: true, onDone: onDone})
}

func (e *Engine) enqueue(handle engine.Handle, op writeOp) {
	s, err := e.stream(handle)
	if err == nil && s.conn == nil {
		err = engine.ErrNotConnected
	}
	if err != nil {
		e.post(func() { op.onDone(err) })
		return
	}
	s.writeAccess.Lock()
	s.writes.Add(op)
	s.writeAccess.Unlock()
	select {
	case s.writeSignal <- struct{}{}:
	default:
	}
}

func (e *Engine) Close(handle engine.Handle) {
	s, err := e.stream(handle)
	if err != nil {
		return
	}
	if err = s.close(); err != nil && !E.IsClosed(err) {
		e.logger.Warn("close handle ", s.id, ": ", err)
	}
}

func (e *Engine) IsClosing(handle engine.Handle) bool {
	s, err := e.stream(handle)
	return err != nil || s.closing.Load()
}

func (e *Engine) Listen(handle engine.Handle, backlog int, onConnection func(err error)) error {
	s, err := e.stream(handle)
	if err != nil {
		return err
	}
	if s.listener != nil {
		return nil
	}
	address := s.bind
	if !address.IsValid() {
		address = M.SocksaddrFrom(netip.IPv4Unspecified(), 0)
	}
	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(s.ctx, M.NetworkFromAddr("tcp", address.Addr), address.String())
	if err != nil {
		return err
	}
	s.listener = listener.(*net.TCPListener)
	go s.acceptLoop(s.listener, onConnection)
	return nil
}

func (e *Engine) Accept(listener engine.Handle, client engine.Handle) error {
	server, err := e.stream(listener)
	if err != nil {
		return err
	}
	s, err := e.stream(client)
	if err != nil {
		return err
	}
	server.acceptAccess.Lock()
	if server.accepted.Length() == 0 {
		server.acceptAccess.Unlock()
		return engine.ErrWouldBlock
	}
	conn := server.accepted.Remove().(*net.TCPConn)
	server.acceptAccess.Unlock()
	return s.attach(conn)
}

func (e *Engine) LocalAddress(handle engine.Handle) (M.Socksaddr, error) {
	s, err := e.stream(handle)
	if err != nil {
		return M.Socksaddr{}, err
	}
	switch {
	case s.conn != nil:
		return M.SocksaddrFromNet(s.conn.LocalAddr()), nil
	case s.listener != nil:
		return M.SocksaddrFromNet(s.listener.Addr()), nil
	default:
		return M.Socksaddr{}, engine.ErrNotConnected
	}
}

func (e *Engine) PeerAddress(handle engine.Handle) (M.Socksaddr, error) {
	s, err := e.stream(handle)
	if err != nil {
		return M.Socksaddr{}, err
	}
	if s.conn == nil {
		return M.Socksaddr{}, engine.ErrNotConnected
	}
	return M.SocksaddrFromNet(s.conn.RemoteAddr()), nil
}

func (e *Engine) SetNoDelay(handle engine.Handle, enable bool) error {
	s, err := e.stream(handle)
	if err != nil {
		return err
	}
	s.noDelay = &enable
	if s.conn == nil {
		return nil
	}
	return setNoDelay(s.conn, enable)
}

func (e *Engine) SetKeepAlive(handle engine.Handle, enable bool, delay time.Duration) error {
	s, err := e.stream(handle)
	if err != nil {
		return err
	}
	s.keepAlive = &keepAlive{enable: enable, delay: delay}
	if s.conn == nil {
		return nil
	}
	return setKeepAlive(s.conn, enable, delay)
}

func (e *Engine) release(s *stream) {
	e.access.Lock()
	delete(e.streams, s.id)
	e.access.Unlock()
}
