package tcp

import (
	"errors"
	"syscall"
	"testing"
	"time"

	M "github.com/sagernet/loopnet/common/metadata"
	"github.com/sagernet/loopnet/engine/enginetest"
	"github.com/sagernet/loopnet/loop"
	"github.com/sagernet/loopnet/metrics"
	"github.com/sagernet/loopnet/stream"
	"github.com/sagernet/loopnet/timer"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	loop    *loop.Loop
	engine  *enginetest.Engine
	clock   *clock.Mock
	runtime *Runtime
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	l := loop.New(nil)
	e := enginetest.New(l)
	clk := clock.NewMock()
	timers := timer.NewRegistry(clk, l)
	t.Cleanup(func() {
		timers.Close()
		l.Close()
	})
	return &testEnv{
		loop:   l,
		engine: e,
		clock:  clk,
		runtime: &Runtime{
			Loop:    l,
			Engine:  e,
			Timers:  timers,
			Metrics: metrics.New(),
		},
	}
}

func (env *testEnv) drain() {
	for env.loop.RunPending() > 0 {
	}
}

func (env *testEnv) settle() {
	for i := 0; i < 10; i++ {
		time.Sleep(5 * time.Millisecond)
		env.drain()
	}
}

type socketEvents struct {
	data     []byte
	order    []string
	errors   []error
	closes   []bool
	timeouts int
}

func observe(s *Socket, flowing bool) *socketEvents {
	events := &socketEvents{}
	if flowing {
		s.OnData(func(data []byte) {
			events.data = append(events.data, data...)
			events.order = append(events.order, "data")
		})
	}
	s.OnEnd(func() { events.order = append(events.order, "end") })
	s.OnConnect(func() { events.order = append(events.order, "connect") })
	s.OnError(func(err error) {
		events.errors = append(events.errors, err)
		events.order = append(events.order, "error")
	})
	s.OnClose(func(hadError bool) {
		events.closes = append(events.closes, hadError)
		events.order = append(events.order, "close")
	})
	s.OnTimeout(func() { events.timeouts++ })
	return events
}

// connecting returns a socket whose connect is issued but not yet completed.
func (env *testEnv) connecting(t *testing.T, options SocketOptions) (*Socket, *enginetest.Stream, *error, *bool) {
	t.Helper()
	s := NewSocket(env.runtime, options)
	var (
		connectErr  error
		connectDone bool
	)
	s.Connect(ConnectOptions{Host: "127.0.0.1", Port: 9000}, func(err error) {
		connectErr = err
		connectDone = true
	})
	require.Equal(t, StateConnecting, s.State())
	env.drain()
	stream := env.engine.Stream(s.handle)
	require.True(t, stream.ConnectPending())
	return s, stream, &connectErr, &connectDone
}

func (env *testEnv) open(t *testing.T, options SocketOptions) (*Socket, *enginetest.Stream) {
	t.Helper()
	s, stream, connectErr, connectDone := env.connecting(t, options)
	require.True(t, stream.CompleteConnect(nil))
	require.True(t, *connectDone)
	require.NoError(t, *connectErr)
	require.Equal(t, StateOpen, s.State())
	return s, stream
}

func TestConnectSuccess(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream, connectErr, connectDone := env.connecting(t, SocketOptions{})
	events := observe(s, false)
	var emittedBeforeCallback bool
	s.OnConnect(func() {
		emittedBeforeCallback = !*connectDone
	})
	require.True(t, s.Connecting())
	require.True(t, stream.CompleteConnect(nil))

	require.True(t, *connectDone)
	require.NoError(t, *connectErr)
	require.True(t, emittedBeforeCallback)
	require.Equal(t, []string{"connect"}, events.order)
	require.False(t, s.Connecting())
	require.Equal(t, M.ParseSocksaddr("127.0.0.1:9000"), s.RemoteAddress())
	require.Equal(t, M.ParseSocksaddr("127.0.0.1:9000"), env.engine.Ops("connect")[0].Address)
	require.True(t, stream.Reading)
}

func TestConnectDefaultsToWildcardHost(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	Connect(env.runtime, ConnectOptions{Port: 80}, nil)
	env.drain()
	connects := env.engine.Ops("connect")
	require.Len(t, connects, 1)
	require.Equal(t, M.ParseSocksaddr("0.0.0.0:80"), connects[0].Address)
}

func TestConnectFailureLeavesSocketAlive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream, connectErr, connectDone := env.connecting(t, SocketOptions{})
	events := observe(s, false)
	refused := syscall.ECONNREFUSED
	require.True(t, stream.CompleteConnect(refused))
	require.True(t, *connectDone)
	require.ErrorIs(t, *connectErr, refused)
	var opErr *OpError
	require.True(t, errors.As(*connectErr, &opErr))
	require.Equal(t, "connect", opErr.Op)

	env.drain()
	require.False(t, s.Destroyed())
	require.Equal(t, StateIdle, s.State())
	require.Empty(t, events.order)
	require.Zero(t, env.engine.Count("close"))

	s.Destroy(nil, nil)
	env.drain()
	require.Equal(t, []bool{false}, events.closes)
	require.Empty(t, events.errors)
}

func TestConnectRetryAfterFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream, _, _ := env.connecting(t, SocketOptions{})
	stream.CompleteConnect(syscall.ETIMEDOUT)
	var retryErr error
	retried := false
	s.Connect(ConnectOptions{Host: "127.0.0.1", Port: 9001}, func(err error) {
		retryErr = err
		retried = true
	})
	env.drain()
	require.True(t, stream.CompleteConnect(nil))
	require.True(t, retried)
	require.NoError(t, retryErr)
	require.Equal(t, StateOpen, s.State())
}

func TestConnectResolveFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	var connectErr error
	s := Connect(env.runtime, ConnectOptions{Host: "unknown.invalid", Port: 80}, func(err error) {
		connectErr = err
	})
	env.drain()
	require.Error(t, connectErr)
	require.Equal(t, StateIdle, s.State())
	require.Zero(t, env.engine.Count("connect"))
}

func TestDestroyDuringResolveAbandonsConnect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	called := false
	s := Connect(env.runtime, ConnectOptions{Host: "127.0.0.1", Port: 9000}, func(error) {
		called = true
	})
	s.Destroy(nil, nil)
	env.drain()
	require.False(t, called)
	require.Zero(t, env.engine.Count("connect"))
}

func TestConnectNeverCompletes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, _, _, connectDone := env.connecting(t, SocketOptions{})
	env.clock.Add(time.Hour)
	env.settle()
	require.False(t, *connectDone)
	require.Equal(t, StateConnecting, s.State())
}

func TestOperationsDeferredWhileConnecting(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream, _, _ := env.connecting(t, SocketOptions{})
	var received []byte
	s.OnData(func(data []byte) { received = append(received, data...) })
	require.NoError(t, s.Write([]byte("a")))
	require.NoError(t, s.Write([]byte("b")))
	require.NoError(t, s.End([]byte("c")))
	require.Zero(t, env.engine.Count("write"))
	require.Zero(t, env.engine.Count("shutdown"))
	require.Zero(t, env.engine.Count("read_start"))

	stream.Deliver([]byte("early"))
	require.True(t, stream.CompleteConnect(nil))
	ops := env.engine.Ops("write", "shutdown", "read_start")
	kinds := make([]string, 0, len(ops))
	for _, op := range ops {
		kinds = append(kinds, op.Kind)
	}
	require.Equal(t, []string{"read_start", "write", "write", "write", "shutdown"}, kinds)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, stream.Writes)
	require.Equal(t, "early", string(received))
}

func TestWritesIssuedInSubmissionOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{})
	const chunks = 16
	for i := 0; i < chunks; i++ {
		require.NoError(t, s.Write([]byte{byte(i)}))
	}
	require.Equal(t, chunks, env.engine.Count("write"))
	require.Equal(t, chunks, stream.PendingWrites())
	for i, data := range stream.Writes {
		require.Equal(t, []byte{byte(i)}, data)
	}
	for stream.CompleteWriteAt(stream.PendingWrites()-1, nil) {
	}
	require.Equal(t, uint64(chunks), s.BytesWritten())

	require.NoError(t, s.Write([]byte("a")))
	require.NoError(t, s.Write([]byte("b")))
	require.NoError(t, s.Write([]byte("c")))
	require.True(t, stream.CompleteWriteAt(1, nil))
	require.NoError(t, s.Write([]byte("d")))
	require.True(t, stream.CompleteWriteAt(2, nil))
	require.True(t, stream.CompleteWriteAt(0, nil))
	require.NoError(t, s.Write([]byte("e")))
	for stream.CompleteWrite(nil) {
	}
	tail := stream.Writes[chunks:]
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")}, tail)
	require.Equal(t, chunks+5, env.engine.Count("write"))
	require.False(t, s.Destroyed())
}

func TestWriteErrorDestroys(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{})
	events := observe(s, true)
	require.NoError(t, s.Write([]byte("ping")))
	require.True(t, stream.CompleteWrite(syscall.ECONNRESET))
	require.True(t, s.Destroyed())
	require.Empty(t, events.errors)

	env.drain()
	require.Len(t, events.errors, 1)
	require.ErrorIs(t, events.errors[0], syscall.ECONNRESET)
	var opErr *OpError
	require.True(t, errors.As(events.errors[0], &opErr))
	require.Equal(t, "write", opErr.Op)
	require.Equal(t, []string{"error", "close"}, events.order)
	require.Equal(t, []bool{true}, events.closes)
	require.ErrorIs(t, s.Write([]byte("late")), ErrDestroyed)
}

func TestReadErrorDestroys(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{})
	events := observe(s, true)
	stream.DeliverError(syscall.ECONNRESET)
	require.True(t, s.Destroyed())
	env.drain()
	require.Len(t, events.errors, 1)
	require.ErrorIs(t, events.errors[0], syscall.ECONNRESET)
}

func TestDestroyIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{})
	events := observe(s, true)
	failure := errors.New("application failure")
	var callbacks []error
	for i := 0; i < 3; i++ {
		s.Destroy(failure, func(err error) { callbacks = append(callbacks, err) })
	}
	s.Done()
	s.Shutdown(func(error) { t.Fatal("shutdown after destroy") })
	require.Len(t, callbacks, 3)
	require.True(t, stream.Closed)
	require.Equal(t, 1, env.engine.Count("close"))
	require.Nil(t, s.handle)

	env.drain()
	require.Equal(t, []error{failure}, events.errors)
	require.Equal(t, []bool{true}, events.closes)
	stream.Deliver([]byte("stale"))
	require.Empty(t, events.data)
}

func TestDestroyOnClosingHandle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{})
	events := observe(s, true)
	stream.SetClosing()
	failure := errors.New("failure")
	var callbackErr error
	s.Destroy(failure, func(err error) { callbackErr = err })
	require.Equal(t, failure, callbackErr)
	require.Zero(t, env.engine.Count("close"))
	require.True(t, s.Destroyed())
	env.drain()
	require.Empty(t, events.errors)
	require.Len(t, events.closes, 1)
}

func TestShutdownOnClosingHandleIsSynchronous(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{})
	stream.SetClosing()
	called := false
	s.Shutdown(func(err error) {
		require.NoError(t, err)
		called = true
	})
	require.True(t, called)
	require.Zero(t, env.engine.Count("shutdown"))
}

func TestPingPong(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{})
	events := observe(s, true)
	require.NoError(t, s.Write([]byte("ping")))
	require.Equal(t, [][]byte{[]byte("ping")}, stream.Writes)
	stream.CompleteWrite(nil)

	stream.Deliver([]byte("pong"))
	stream.DeliverEOF()
	env.drain()
	require.Equal(t, "pong", string(events.data))
	require.Equal(t, StateReadClosed, s.State())
	require.Equal(t, 1, stream.Shutdowns)
	require.Empty(t, events.closes)

	require.True(t, stream.CompleteShutdown(nil))
	env.drain()
	require.True(t, s.Destroyed())
	require.Equal(t, []string{"data", "end", "close"}, events.order)
	require.Equal(t, []bool{false}, events.closes)
	require.Equal(t, uint64(4), s.BytesRead())
	require.Equal(t, uint64(4), s.BytesWritten())
}

func TestHalfCloseReadEndFirst(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{AllowHalfOpen: true})
	events := observe(s, true)
	stream.DeliverEOF()
	env.drain()
	require.Equal(t, StateReadClosed, s.State())
	require.False(t, s.Readable())
	require.True(t, s.Writable())
	require.Zero(t, stream.Shutdowns)

	require.NoError(t, s.Write([]byte("late reply")))
	require.NoError(t, s.End())
	require.Equal(t, 1, stream.Shutdowns)
	require.False(t, s.Destroyed())
	stream.CompleteShutdown(nil)
	env.drain()
	require.True(t, s.Destroyed())
	require.Equal(t, []bool{false}, events.closes)
}

func TestHalfCloseWriteFinishFirst(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{AllowHalfOpen: true})
	events := observe(s, true)
	require.NoError(t, s.End([]byte("request")))
	stream.CompleteShutdown(nil)
	env.drain()
	require.Equal(t, StateWriteClosed, s.State())
	require.False(t, s.Destroyed())
	require.True(t, s.Readable())

	stream.Deliver([]byte("response"))
	require.Equal(t, "response", string(events.data))
	require.False(t, s.Destroyed())
	stream.DeliverEOF()
	env.drain()
	require.True(t, s.Destroyed())
	require.Equal(t, []bool{false}, events.closes)
}

func TestEndWaitsForUnconsumedData(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{AllowHalfOpen: true})
	require.NoError(t, s.End())
	stream.CompleteShutdown(nil)
	stream.Deliver([]byte("unread"))
	stream.DeliverEOF()
	env.drain()
	require.Equal(t, StateWriteClosed, s.State())

	buffer := make([]byte, 16)
	n, err := s.Read(buffer)
	require.NoError(t, err)
	require.Equal(t, "unread", string(buffer[:n]))
	_, err = s.Read(buffer)
	require.Error(t, err)
	env.drain()
	require.True(t, s.Destroyed())
}

func TestDoneShutsDownThenDestroys(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, peer := env.open(t, SocketOptions{})
	events := observe(s, true)
	s.Done()
	require.False(t, s.Writable())
	require.ErrorIs(t, s.Write([]byte("x")), stream.ErrWriteAfterEnd)
	require.Equal(t, 1, peer.Shutdowns)
	require.False(t, s.Destroyed())
	peer.CompleteShutdown(nil)
	require.True(t, s.Destroyed())
	env.drain()
	require.Equal(t, []bool{false}, events.closes)
	require.Empty(t, events.errors)
}

func TestDoneAfterAutoHalfClose(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, peer := env.open(t, SocketOptions{})
	events := observe(s, true)
	peer.DeliverEOF()
	env.drain()
	require.Equal(t, StateReadClosed, s.State())
	require.Equal(t, 1, peer.Shutdowns)

	s.Done()
	require.Equal(t, 1, peer.Shutdowns)
	require.False(t, s.Destroyed())
	peer.CompleteShutdown(nil)
	env.drain()
	require.True(t, s.Destroyed())
	require.Equal(t, 1, peer.Shutdowns)
	require.Equal(t, []bool{false}, events.closes)
}

func TestDoneAfterWriteSideClosed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, peer := env.open(t, SocketOptions{AllowHalfOpen: true})
	events := observe(s, true)
	require.NoError(t, s.End())
	peer.CompleteShutdown(nil)
	env.drain()
	require.Equal(t, StateWriteClosed, s.State())

	s.Done()
	require.True(t, s.Destroyed())
	require.Equal(t, 1, peer.Shutdowns)
	env.drain()
	require.Equal(t, []bool{false}, events.closes)
}

func TestWriteOnListeningSocket(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s := NewSocket(env.runtime, SocketOptions{})
	require.NoError(t, s.Listen(0))
	require.ErrorIs(t, s.Write([]byte("x")), ErrListening)
	require.ErrorIs(t, s.Write([]byte("y")), ErrListening)
	require.ErrorIs(t, s.End(), ErrListening)
	require.Zero(t, env.engine.Count("write"))
	require.Zero(t, env.engine.Count("shutdown"))
	require.Equal(t, StateListening, s.State())
}

func TestReadBackpressure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{HighWaterMark: 4})
	require.True(t, stream.Reading)
	stream.Deliver([]byte("12345"))
	require.False(t, stream.Reading)
	require.Equal(t, 1, stream.ReadStops)
	stream.Deliver([]byte("678"))
	require.Equal(t, 1, stream.PendingInbound())

	buffer := make([]byte, 16)
	n, err := s.Read(buffer)
	require.NoError(t, err)
	require.Equal(t, "12345", string(buffer[:n]))
	require.True(t, stream.Reading)
	n, err = s.Read(buffer)
	require.NoError(t, err)
	require.Equal(t, "678", string(buffer[:n]))
	require.Equal(t, uint64(8), s.BytesRead())
}

func TestPauseStopsReading(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{})
	var received []byte
	s.OnData(func(data []byte) { received = append(received, data...) })
	s.Pause()
	require.False(t, stream.Reading)
	stream.Deliver([]byte("held"))
	require.Empty(t, received)
	s.Resume()
	require.True(t, stream.Reading)
	require.Equal(t, "held", string(received))
}

func TestSetTimeoutSignalsWithoutDestroying(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, _ := env.open(t, SocketOptions{})
	events := observe(s, true)
	fired := 0
	s.SetTimeout(time.Second, func() { fired++ })
	env.clock.Add(1500 * time.Millisecond)
	env.settle()
	require.Equal(t, 1, fired)
	require.Equal(t, 1, events.timeouts)
	require.False(t, s.Destroyed())
}

func TestActivityRestartsTimeout(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{})
	events := observe(s, true)
	s.SetTimeout(time.Second, nil)
	env.clock.Add(800 * time.Millisecond)
	env.settle()
	stream.Deliver([]byte("activity"))
	env.clock.Add(800 * time.Millisecond)
	env.settle()
	require.Zero(t, events.timeouts)
	env.clock.Add(time.Second)
	env.settle()
	require.Equal(t, 1, events.timeouts)
}

func TestSetTimeoutZeroCancels(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, _ := env.open(t, SocketOptions{})
	events := observe(s, true)
	s.SetTimeout(time.Second, nil)
	s.SetTimeout(0, nil)
	env.clock.Add(5 * time.Second)
	env.settle()
	require.Zero(t, events.timeouts)
	require.False(t, env.runtime.Timers.Enrolled(s))
}

func TestDestroyUnenrollsTimer(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, _ := env.open(t, SocketOptions{})
	events := observe(s, true)
	s.SetTimeout(time.Second, nil)
	s.Destroy(nil, nil)
	env.clock.Add(5 * time.Second)
	env.settle()
	require.Zero(t, events.timeouts)
	require.False(t, env.runtime.Timers.Enrolled(s))
}

func TestSocketOptionsPassThrough(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, stream := env.open(t, SocketOptions{})
	require.NoError(t, s.SetNoDelay(true))
	require.NoError(t, s.SetKeepAlive(true, 30*time.Second))
	require.True(t, stream.NoDelay)
	require.True(t, stream.KeepAlive)
	require.Equal(t, 30*time.Second, stream.KeepAliveDelay)
	address, err := s.Address()
	require.NoError(t, err)
	require.NotZero(t, address.Port)
	s.Destroy(nil, nil)
	require.ErrorIs(t, s.SetNoDelay(false), ErrDestroyed)
	_, err = s.Getsockname()
	require.ErrorIs(t, err, ErrDestroyed)
}
