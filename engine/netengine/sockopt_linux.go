package netengine

import (
	"net"
	"time"

	E "github.com/sagernet/loopnet/common/exceptions"

	"golang.org/x/sys/unix"
)

func setNoDelay(conn *net.TCPConn, enable bool) error {
	value := 0
	if enable {
		value = 1
	}
	return raw(conn, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, value)
	})
}

func setKeepAlive(conn *net.TCPConn, enable bool, delay time.Duration) error {
	if err := conn.SetKeepAlive(enable); err != nil {
		return err
	}
	if !enable || delay <= 0 {
		return nil
	}
	seconds := int((delay + time.Second - 1) / time.Second)
	return raw(conn, func(fd int) error {
		return E.Errors(
			unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, seconds),
			unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, seconds),
		)
	})
}

func raw(conn *net.TCPConn, block func(fd int) error) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var innerErr error
	err = rawConn.Control(func(fd uintptr) {
		innerErr = block(int(fd))
	})
	if err != nil {
		return err
	}
	return innerErr
}
