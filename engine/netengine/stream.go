package netengine

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	E "github.com/sagernet/loopnet/common/exceptions"
	M "github.com/sagernet/loopnet/common/metadata"
	"github.com/sagernet/loopnet/engine"

	"github.com/eapache/queue"
)

type writeOp struct {
	data     []byte
	shutdown bool
	onDone   func(err error)
}

type readResult struct {
	data []byte
	err  error
}

type keepAlive struct {
	enable bool
	delay  time.Duration
}

// stream fields without synchronization belong to the loop goroutine.
type stream struct {
	id     uint64
	engine *Engine
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closing   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	bind      M.Socksaddr
	conn      *net.TCPConn
	listener  *net.TCPListener
	noDelay   *bool
	keepAlive *keepAlive

	onRead        engine.ReadFunc
	reading       bool
	readerStarted bool
	flushing      bool
	paused        atomic.Bool
	resume        chan struct{}
	inbound       *queue.Queue

	writeAccess sync.Mutex
	writes      *queue.Queue
	writeSignal chan struct{}

	acceptAccess sync.Mutex
	accepted     *queue.Queue
}

func (s *stream) ID() uint64 {
	return s.id
}

func (s *stream) attach(conn *net.TCPConn) error {
	s.conn = conn
	var errs []error
	if s.noDelay != nil {
		errs = append(errs, setNoDelay(conn, *s.noDelay))
	}
	if s.keepAlive != nil {
		errs = append(errs, setKeepAlive(conn, s.keepAlive.enable, s.keepAlive.delay))
	}
	go s.writeLoop(conn)
	return E.Errors(errs...)
}

func (s *stream) readLoop(conn *net.TCPConn) {
	buffer := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])
			s.engine.post(func() { s.deliver(readResult{data: data}) })
		}
		if err == nil {
			continue
		}
		if s.closed.Load() {
			return
		}
		if E.IsTimeout(err) {
			if s.paused.Load() {
				select {
				case <-s.resume:
				case <-s.done:
					return
				}
			}
			continue
		}
		if err == io.EOF {
			err = nil
		}
		s.engine.post(func() { s.deliver(readResult{err: err}) })
		return
	}
}

func (s *stream) deliver(result readResult) {
	if s.closed.Load() {
		return
	}
	s.inbound.Add(result)
	s.flushInbound()
}

func (s *stream) flushInbound() {
	if s.flushing {
		return
	}
	s.flushing = true
	defer func() { s.flushing = false }()
	for s.reading && !s.closed.Load() && s.inbound.Length() > 0 {
		result := s.inbound.Remove().(readResult)
		s.onRead(result.data, result.err)
	}
}

func (s *stream) nextWrite() (writeOp, bool) {
	for {
		s.writeAccess.Lock()
		if s.closed.Load() {
			s.writeAccess.Unlock()
			return writeOp{}, false
		}
		if s.writes.Length() > 0 {
			op := s.writes.Remove().(writeOp)
			s.writeAccess.Unlock()
			return op, true
		}
		s.writeAccess.Unlock()
		select {
		case <-s.writeSignal:
		case <-s.done:
		}
	}
}

func (s *stream) writeLoop(conn *net.TCPConn) {
	for {
		op, loaded := s.nextWrite()
		if !loaded {
			return
		}
		var err error
		if op.shutdown {
			err = conn.CloseWrite()
		} else {
			_, err = conn.Write(op.data)
		}
		s.engine.post(func() { op.onDone(err) })
	}
}

func (s *stream) acceptLoop(listener *net.TCPListener, onConnection func(err error)) {
	var delay time.Duration
	for {
		conn, err := listener.AcceptTCP()
		if err != nil {
			if s.closed.Load() || E.IsClosedOrCanceled(err) {
				return
			}
			s.engine.post(func() {
				if !s.closed.Load() {
					onConnection(err)
				}
			})
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, time.Second)
			}
			select {
			case <-time.After(delay):
				continue
			case <-s.done:
				return
			}
		}
		delay = 0
		s.acceptAccess.Lock()
		if s.closed.Load() {
			s.acceptAccess.Unlock()
			conn.Close()
			return
		}
		s.accepted.Add(conn)
		s.acceptAccess.Unlock()
		s.engine.post(func() {
			if !s.closed.Load() {
				onConnection(nil)
			}
		})
	}
}

func (s *stream) close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.closed.Store(true)
		s.cancel()
		close(s.done)
		if s.conn != nil {
			errs = append(errs, s.conn.Close())
		}
		if s.listener != nil {
			errs = append(errs, s.listener.Close())
		}
		s.acceptAccess.Lock()
		for s.accepted.Length() > 0 {
			errs = append(errs, s.accepted.Remove().(*net.TCPConn).Close())
		}
		s.acceptAccess.Unlock()
		s.writeAccess.Lock()
		var canceled []writeOp
		for s.writes.Length() > 0 {
			canceled = append(canceled, s.writes.Remove().(writeOp))
		}
		s.writeAccess.Unlock()
		for _, op := range canceled {
			onDone := op.onDone
			s.engine.post(func() { onDone(engine.ErrCanceled) })
		}
		s.engine.release(s)
	})
	return E.Errors(errs...)
}
