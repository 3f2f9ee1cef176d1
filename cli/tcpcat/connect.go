package main

import (
	"io"
	"os"

	"github.com/sagernet/loopnet"
	E "github.com/sagernet/loopnet/common/exceptions"
	"github.com/sagernet/loopnet/transport/tcp"
)

func connect(instance *loopnet.Instance, o *options, host string, port uint16, done func(error)) {
	socket := instance.NewSocket(tcp.SocketOptions{AllowHalfOpen: o.halfOpen})
	var lastErr error
	socket.OnData(func(data []byte) {
		if _, err := os.Stdout.Write(data); err != nil {
			socket.Destroy(E.Cause(err, "write stdout"), nil)
		}
	})
	socket.OnError(func(err error) {
		lastErr = err
	})
	socket.OnClose(func(bool) {
		done(lastErr)
	})
	socket.OnTimeout(func() {
		logger.Info("idle timeout")
		socket.Destroy(nil, nil)
	})
	socket.Connect(tcp.ConnectOptions{Host: host, Port: port}, func(err error) {
		if err != nil {
			done(err)
			return
		}
		logger.Debug("connected to ", socket.RemoteAddress())
		if o.noDelay {
			if err = socket.SetNoDelay(true); err != nil {
				logger.Warn(err)
			}
		}
		if o.keepAlive > 0 {
			if err = socket.SetKeepAlive(true, o.keepAlive); err != nil {
				logger.Warn(err)
			}
		}
		socket.SetTimeout(o.timeout, nil)
		go pumpStdin(instance, socket)
	})
}

// pumpStdin copies stdin onto the loop, ending the socket at EOF.
func pumpStdin(instance *loopnet.Instance, socket *tcp.Socket) {
	buffer := make([]byte, 32*1024)
	for {
		n, err := os.Stdin.Read(buffer)
		if n > 0 {
			chunk := append([]byte(nil), buffer[:n]...)
			if !instance.Post(func() {
				socket.Write(chunk)
			}) {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Warn(E.Cause(err, "read stdin"))
			}
			instance.Post(func() {
				socket.End()
			})
			return
		}
	}
}
