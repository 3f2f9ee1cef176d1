//go:build !linux

package netengine

import (
	"net"
	"time"
)

func setNoDelay(conn *net.TCPConn, enable bool) error {
	return conn.SetNoDelay(enable)
}

func setKeepAlive(conn *net.TCPConn, enable bool, delay time.Duration) error {
	if err := conn.SetKeepAlive(enable); err != nil {
		return err
	}
	if !enable || delay <= 0 {
		return nil
	}
	return conn.SetKeepAlivePeriod(delay)
}
