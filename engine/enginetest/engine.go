// Package enginetest provides an in-memory engine.Engine whose completions are
// driven by the test. Every issued operation is recorded in order.
package enginetest

import (
	"net/netip"
	"sync"
	"time"

	E "github.com/sagernet/loopnet/common/exceptions"
	M "github.com/sagernet/loopnet/common/metadata"
	"github.com/sagernet/loopnet/engine"
)

var _ engine.Engine = (*Engine)(nil)

type Poster interface {
	Post(task func()) bool
}

type Op struct {
	Kind    string
	Handle  uint64
	Data    []byte
	Address M.Socksaddr
}

type inbound struct {
	data []byte
	err  error
}

type Stream struct {
	id     uint64
	engine *Engine

	Bound          M.Socksaddr
	Local          M.Socksaddr
	Peer           M.Socksaddr
	Destination    M.Socksaddr
	Connected      bool
	Closing        bool
	Closed         bool
	Reading        bool
	ReadStops      int
	NoDelay        bool
	KeepAlive      bool
	KeepAliveDelay time.Duration
	Listening      bool
	Backlog        int
	Writes         [][]byte
	Shutdowns      int

	onRead          engine.ReadFunc
	inbound         []inbound
	connectDone     func(error)
	writeDone       []func(error)
	shutdownDone    []func(error)
	onConnection    func(error)
	pendingAccepted []*Stream
}

func (s *Stream) ID() uint64 {
	return s.id
}

// Engine is not safe for concurrent use apart from Resolve completions, which are
// posted through the Poster given to New.
type Engine struct {
	access    sync.Mutex
	poster    Poster
	nextID    uint64
	nextPort  uint16
	streams   map[uint64]*Stream
	ops       []Op
	resolving int

	BindError   error
	ListenError error
	Hosts       map[string][]netip.Addr
}

func New(poster Poster) *Engine {
	return &Engine{
		poster:   poster,
		nextPort: 40000,
		streams:  make(map[uint64]*Stream),
		Hosts:    make(map[string][]netip.Addr),
	}
}

func (e *Engine) record(kind string, stream *Stream, data []byte, address M.Socksaddr) {
	e.access.Lock()
	defer e.access.Unlock()
	var id uint64
	if stream != nil {
		id = stream.id
	}
	e.ops = append(e.ops, Op{Kind: kind, Handle: id, Data: data, Address: address})
}

// Ops returns the recorded operations, optionally filtered by kind.
func (e *Engine) Ops(kinds ...string) []Op {
	e.access.Lock()
	defer e.access.Unlock()
	if len(kinds) == 0 {
		return append([]Op(nil), e.ops...)
	}
	var filtered []Op
	for _, op := range e.ops {
		for _, kind := range kinds {
			if op.Kind == kind {
				filtered = append(filtered, op)
				break
			}
		}
	}
	return filtered
}

func (e *Engine) Count(kind string) int {
	return len(e.Ops(kind))
}

func (e *Engine) Stream(handle engine.Handle) *Stream {
	if handle == nil {
		return nil
	}
	return e.streams[handle.ID()]
}

func (e *Engine) stream(handle engine.Handle) (*Stream, error) {
	stream := e.Stream(handle)
	if stream == nil {
		return nil, engine.ErrInvalidHandle
	}
	if stream.Closed {
		return nil, engine.ErrClosed
	}
	return stream, nil
}

func (e *Engine) newStream() *Stream {
	e.nextID++
	stream := &Stream{id: e.nextID, engine: e}
	e.streams[stream.id] = stream
	return stream
}

func (e *Engine) CreateStream() engine.Handle {
	stream := e.newStream()
	e.record("create", stream, nil, M.Socksaddr{})
	return stream
}

func (e *Engine) Bind(handle engine.Handle, address M.Socksaddr) error {
	stream, err := e.stream(handle)
	if err != nil {
		return err
	}
	e.record("bind", stream, nil, address)
	if e.BindError != nil {
		return e.BindError
	}
	if !address.IsIP() {
		return engine.ErrInvalidAddress
	}
	stream.Bound = address
	stream.Local = address
	return nil
}

func (e *Engine) Connect(handle engine.Handle, destination M.Socksaddr, onDone func(err error)) {
	stream, err := e.stream(handle)
	e.record("connect", stream, nil, destination)
	if err != nil {
		onDone(err)
		return
	}
	stream.Destination = destination
	stream.connectDone = onDone
}

// Resolve answers from Hosts, or parses host as an IP literal, and posts the result.
func (e *Engine) Resolve(host string, port uint16, onDone func(addresses []M.Socksaddr, err error)) {
	e.record("resolve", nil, nil, M.ParseSocksaddrHostPortNum(host, port))
	var (
		addresses []M.Socksaddr
		err       error
	)
	if addrs, loaded := e.Hosts[host]; loaded {
		for _, addr := range addrs {
			addresses = append(addresses, M.SocksaddrFrom(addr, port))
		}
	} else if addr, parseErr := netip.ParseAddr(host); parseErr == nil {
		addresses = []M.Socksaddr{M.SocksaddrFrom(addr, port)}
	}
	if len(addresses) == 0 {
		err = E.Cause(engine.ErrNoAddress, "lookup ", host)
	}
	e.access.Lock()
	e.resolving++
	e.access.Unlock()
	e.poster.Post(func() {
		e.access.Lock()
		e.resolving--
		e.access.Unlock()
		onDone(addresses, err)
	})
}

func (e *Engine) ReadStart(handle engine.Handle, onRead engine.ReadFunc) error {
	stream, err := e.stream(handle)
	if err != nil {
		return err
	}
	e.record("read_start", stream, nil, M.Socksaddr{})
	stream.Reading = true
	stream.onRead = onRead
	stream.flush()
	return nil
}

func (e *Engine) ReadStop(handle engine.Handle) error {
	stream, err := e.stream(handle)
	if err != nil {
		return err
	}
	e.record("read_stop", stream, nil, M.Socksaddr{})
	stream.Reading = false
	stream.ReadStops++
	return nil
}

func (e *Engine) Write(handle engine.Handle, data []byte, onDone func(err error)) {
	stream, err := e.stream(handle)
	e.record("write", stream, data, M.Socksaddr{})
	if err != nil {
		onDone(err)
		return
	}
	stream.Writes = append(stream.Writes, data)
	stream.writeDone = append(stream.writeDone, onDone)
}

func (e *Engine) Shutdown(handle engine.Handle, onDone func(err error)) {
	stream, err := e.stream(handle)
	e.record("shutdown", stream, nil, M.Socksaddr{})
	if err != nil {
		onDone(err)
		return
	}
	stream.Shutdowns++
	stream.shutdownDone = append(stream.shutdownDone, onDone)
}

// Close releases the handle. Pending completions are dropped.
func (e *Engine) Close(handle engine.Handle) {
	stream := e.Stream(handle)
	if stream == nil {
		return
	}
	e.record("close", stream, nil, M.Socksaddr{})
	stream.Closing = true
	stream.Closed = true
	stream.Reading = false
	stream.Listening = false
}

func (e *Engine) IsClosing(handle engine.Handle) bool {
	stream := e.Stream(handle)
	return stream == nil || stream.Closing
}

func (e *Engine) Listen(handle engine.Handle, backlog int, onConnection func(err error)) error {
	stream, err := e.stream(handle)
	if err != nil {
		return err
	}
	e.record("listen", stream, nil, stream.Bound)
	if e.ListenError != nil {
		return e.ListenError
	}
	if !stream.Local.IsValid() {
		stream.Local = M.SocksaddrFrom(netip.IPv4Unspecified(), 0)
	}
	if stream.Local.Port == 0 {
		e.nextPort++
		stream.Local = stream.Local.WithPort(e.nextPort)
	}
	stream.Listening = true
	stream.Backlog = backlog
	stream.onConnection = onConnection
	return nil
}

func (e *Engine) Accept(listener engine.Handle, client engine.Handle) error {
	server, err := e.stream(listener)
	if err != nil {
		return err
	}
	stream, err := e.stream(client)
	if err != nil {
		return err
	}
	e.record("accept", server, nil, M.Socksaddr{})
	if len(server.pendingAccepted) == 0 {
		return engine.ErrWouldBlock
	}
	accepted := server.pendingAccepted[0]
	server.pendingAccepted = server.pendingAccepted[1:]
	stream.Local = accepted.Local
	stream.Peer = accepted.Peer
	stream.Connected = true
	return nil
}

func (e *Engine) LocalAddress(handle engine.Handle) (M.Socksaddr, error) {
	stream, err := e.stream(handle)
	if err != nil {
		return M.Socksaddr{}, err
	}
	if !stream.Local.IsValid() {
		return M.Socksaddr{}, engine.ErrNotConnected
	}
	return stream.Local, nil
}

func (e *Engine) PeerAddress(handle engine.Handle) (M.Socksaddr, error) {
	stream, err := e.stream(handle)
	if err != nil {
		return M.Socksaddr{}, err
	}
	if !stream.Connected {
		return M.Socksaddr{}, engine.ErrNotConnected
	}
	return stream.Peer, nil
}

func (e *Engine) SetNoDelay(handle engine.Handle, enable bool) error {
	stream, err := e.stream(handle)
	if err != nil {
		return err
	}
	stream.NoDelay = enable
	return nil
}

func (e *Engine) SetKeepAlive(handle engine.Handle, enable bool, delay time.Duration) error {
	stream, err := e.stream(handle)
	if err != nil {
		return err
	}
	stream.KeepAlive = enable
	stream.KeepAliveDelay = delay
	return nil
}

func (e *Engine) Resolving() int {
	e.access.Lock()
	defer e.access.Unlock()
	return e.resolving
}

// CompleteConnect finishes the pending connect. It reports false when none is pending.
func (s *Stream) CompleteConnect(err error) bool {
	onDone := s.connectDone
	if onDone == nil {
		return false
	}
	s.connectDone = nil
	if err == nil {
		s.Connected = true
		s.Peer = s.Destination
		if !s.Local.IsValid() {
			s.engine.nextPort++
			s.Local = M.SocksaddrFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), s.engine.nextPort)
		}
	}
	onDone(err)
	return true
}

func (s *Stream) ConnectPending() bool {
	return s.connectDone != nil
}

// Deliver queues inbound data, handed to the read callback while reading.
func (s *Stream) Deliver(data []byte) {
	s.inbound = append(s.inbound, inbound{data: data})
	s.flush()
}

func (s *Stream) DeliverEOF() {
	s.inbound = append(s.inbound, inbound{})
	s.flush()
}

func (s *Stream) DeliverError(err error) {
	s.inbound = append(s.inbound, inbound{err: err})
	s.flush()
}

func (s *Stream) PendingInbound() int {
	return len(s.inbound)
}

func (s *Stream) flush() {
	for s.Reading && !s.Closed && len(s.inbound) > 0 {
		next := s.inbound[0]
		s.inbound = s.inbound[1:]
		s.onRead(next.data, next.err)
	}
}

func (s *Stream) PendingWrites() int {
	return len(s.writeDone)
}

// CompleteWrite finishes the oldest pending write.
func (s *Stream) CompleteWrite(err error) bool {
	if len(s.writeDone) == 0 {
		return false
	}
	onDone := s.writeDone[0]
	s.writeDone = s.writeDone[1:]
	onDone(err)
	return true
}

// CompleteWriteAt finishes the pending write at index, counted from the oldest.
func (s *Stream) CompleteWriteAt(index int, err error) bool {
	if index < 0 || index >= len(s.writeDone) {
		return false
	}
	onDone := s.writeDone[index]
	s.writeDone = append(s.writeDone[:index:index], s.writeDone[index+1:]...)
	onDone(err)
	return true
}

func (s *Stream) CompleteShutdown(err error) bool {
	if len(s.shutdownDone) == 0 {
		return false
	}
	onDone := s.shutdownDone[0]
	s.shutdownDone = s.shutdownDone[1:]
	onDone(err)
	return true
}

// Incoming queues a connection from peer on a listening stream and signals it.
func (s *Stream) Incoming(peer M.Socksaddr) {
	s.pendingAccepted = append(s.pendingAccepted, &Stream{
		Local: s.Local,
		Peer:  peer,
	})
	if s.onConnection != nil {
		s.onConnection(nil)
	}
}

// FailListener reports an accept error through the connection callback.
func (s *Stream) FailListener(err error) {
	if s.onConnection != nil {
		s.onConnection(err)
	}
}

func (s *Stream) SetClosing() {
	s.Closing = true
}
