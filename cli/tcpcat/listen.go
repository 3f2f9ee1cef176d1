package main

import (
	"io"
	"os"

	"github.com/sagernet/loopnet"
	"github.com/sagernet/loopnet/transport/tcp"
)

type listenHandler struct {
	options *options
	output  io.Writer
	server  *tcp.Server
}

func (h *listenHandler) NewConnection(conn *tcp.Socket) {
	remote := conn.RemoteAddress()
	logger.Info("inbound connection from ", remote, ", ", h.server.Connections(), " open")
	if h.options.echo {
		conn.OnData(func(data []byte) {
			conn.Write(data)
		})
	} else {
		conn.OnData(func(data []byte) {
			h.output.Write(data)
		})
	}
	conn.OnTimeout(func() {
		conn.Destroy(nil, nil)
	})
	conn.OnError(func(err error) {
		logger.Warn(remote, ": ", err)
	})
	conn.OnClose(func(bool) {
		logger.Debug(remote, " closed after ", conn.BytesRead(), "B in, ", conn.BytesWritten(), "B out")
	})
}

func (h *listenHandler) HandleError(err error) {
	logger.Error(err)
}

func listen(instance *loopnet.Instance, o *options, host string, port uint16, done func(error)) {
	handler := &listenHandler{options: o, output: os.Stdout}
	server := instance.CreateServer(tcp.ServerOptions{
		AllowHalfOpen:  o.halfOpen,
		Timeout:        o.timeout,
		NoDelay:        o.noDelay,
		KeepAlive:      o.keepAlive > 0,
		KeepAliveDelay: o.keepAlive,
	}, handler)
	handler.server = server
	server.Listen(port, host, func(err error) {
		if err != nil {
			done(err)
			return
		}
		logger.Info("listening on ", server.Address())
	})
}
