package tcp

import (
	"errors"
	"testing"

	M "github.com/sagernet/loopnet/common/metadata"

	"github.com/stretchr/testify/require"
)

func TestServerListenAndAccept(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	var accepted []*Socket
	server := NewServer(env.runtime, ServerOptions{NoDelay: true}, HandlerFunc(func(conn *Socket) {
		accepted = append(accepted, conn)
	}))
	listening := 0
	server.OnListening(func() { listening++ })
	var listenErr error
	called := false
	server.Listen(0, "", func(err error) {
		listenErr = err
		called = true
	})
	require.False(t, called)
	address := server.Address()
	require.True(t, address.IsIP())
	require.NotZero(t, address.Port)
	require.Equal(t, "0.0.0.0", address.AddrString())

	env.drain()
	require.True(t, called)
	require.NoError(t, listenErr)
	require.Equal(t, 1, listening)
	listener := env.engine.Stream(server.socket.handle)
	require.Equal(t, DefaultBacklog, listener.Backlog)

	peer := M.ParseSocksaddr("10.0.0.2:51000")
	listener.Incoming(peer)
	require.Len(t, accepted, 1)
	conn := accepted[0]
	require.Equal(t, StateOpen, conn.State())
	require.Equal(t, peer, conn.RemoteAddress())
	require.True(t, env.engine.Stream(conn.handle).NoDelay)
	require.True(t, env.engine.Stream(conn.handle).Reading)
	require.Equal(t, 1, server.Connections())

	closed := false
	server.Close(func(err error) {
		require.NoError(t, err)
		closed = true
	})
	env.drain()
	require.True(t, closed)
	require.False(t, conn.Destroyed())
	require.Zero(t, server.Address().Port)
	require.Equal(t, 1, server.Connections())

	conn.Destroy(nil, nil)
	env.drain()
	require.Zero(t, server.Connections())
}

func TestServerDataFlowsBeforeHandlerSubscribes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	var received []byte
	server := NewServer(env.runtime, ServerOptions{}, HandlerFunc(func(conn *Socket) {
		env.engine.Stream(conn.handle).Deliver([]byte("hello"))
		conn.OnData(func(data []byte) { received = append(received, data...) })
	}))
	server.Listen(0, "127.0.0.1", nil)
	env.drain()
	env.engine.Stream(server.socket.handle).Incoming(M.ParseSocksaddr("127.0.0.1:50000"))
	require.Equal(t, "hello", string(received))
}

func TestServerListenError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	failure := errors.New("address in use")
	env.engine.ListenError = failure
	server := NewServer(env.runtime, ServerOptions{}, nil)
	var serverErrors []error
	server.OnError(func(err error) { serverErrors = append(serverErrors, err) })
	var listenErr error
	server.Listen(8080, "127.0.0.1", func(err error) { listenErr = err })
	require.Nil(t, listenErr)
	require.Empty(t, serverErrors)

	env.drain()
	require.ErrorIs(t, listenErr, failure)
	require.Len(t, serverErrors, 1)
	require.False(t, server.Listening())
	require.False(t, server.Address().IsValid())
}

func TestServerBindError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.engine.BindError = errors.New("permission denied")
	server := NewServer(env.runtime, ServerOptions{}, nil)
	var listenErr error
	server.Listen(80, "", func(err error) { listenErr = err })
	env.drain()
	var opErr *OpError
	require.True(t, errors.As(listenErr, &opErr))
	require.Equal(t, "bind", opErr.Op)
	require.Zero(t, env.engine.Count("listen"))
}

func TestServerAcceptError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	server := NewServer(env.runtime, ServerOptions{}, nil)
	var serverErrors []error
	server.OnError(func(err error) { serverErrors = append(serverErrors, err) })
	server.Listen(0, "", nil)
	env.drain()
	failure := errors.New("too many open files")
	env.engine.Stream(server.socket.handle).FailListener(failure)
	require.Len(t, serverErrors, 1)
	require.ErrorIs(t, serverErrors[0], failure)
	require.True(t, server.Listening())
}

type recordingHandler struct {
	conns  []*Socket
	errors []error
}

func (h *recordingHandler) NewConnection(conn *Socket) {
	h.conns = append(h.conns, conn)
}

func (h *recordingHandler) HandleError(err error) {
	h.errors = append(h.errors, err)
}

func TestServerErrorsReachErrorHandler(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	handler := new(recordingHandler)
	server := NewServer(env.runtime, ServerOptions{}, handler)
	server.Listen(0, "", nil)
	env.drain()
	listener := env.engine.Stream(server.socket.handle)
	listener.Incoming(M.ParseSocksaddr("10.0.0.3:40000"))
	require.Len(t, handler.conns, 1)
	require.Empty(t, handler.errors)

	failure := errors.New("too many open files")
	listener.FailListener(failure)
	require.Len(t, handler.errors, 1)
	require.ErrorIs(t, handler.errors[0], failure)

	env.engine.ListenError = errors.New("address in use")
	second := NewServer(env.runtime, ServerOptions{}, handler)
	second.Listen(0, "", nil)
	env.drain()
	require.Len(t, handler.errors, 2)
	require.ErrorIs(t, handler.errors[1], env.engine.ListenError)
}

func TestServerReusesHandle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	handle := env.engine.CreateStream()
	require.NoError(t, env.engine.Bind(handle, M.ParseSocksaddr("127.0.0.1:7000")))
	server := NewServer(env.runtime, ServerOptions{Handle: handle, Backlog: 16}, nil)
	server.Listen(0, "", nil)
	env.drain()
	require.Equal(t, 1, env.engine.Count("bind"))
	require.Equal(t, M.ParseSocksaddr("127.0.0.1:7000"), server.Address())
	require.Equal(t, 16, env.engine.Stream(handle).Backlog)
}

func TestServerCloseTwice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	server := NewServer(env.runtime, ServerOptions{}, nil)
	server.Listen(0, "", nil)
	env.drain()
	closes := 0
	server.OnClose(func() { closes++ })
	server.Close(nil)
	var secondErr error
	server.Close(func(err error) { secondErr = err })
	env.drain()
	require.Equal(t, 1, closes)
	require.ErrorIs(t, secondErr, ErrNotListening)
	require.Equal(t, 1, env.engine.Count("close"))
}

func TestSocketListenTwice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s := NewSocket(env.runtime, SocketOptions{})
	require.NoError(t, s.Listen(0))
	require.ErrorIs(t, s.Listen(0), ErrAlreadyListening)
	require.Equal(t, StateListening, s.State())
	s.Destroy(nil, nil)
	require.ErrorIs(t, s.Listen(0), ErrDestroyed)
}
