package exceptions

import (
	"context"
	"io"
	"net"
	"syscall"
)

func IsClosedOrCanceled(err error) bool {
	return IsClosed(err) || IsCanceled(err)
}

func IsClosed(err error) bool {
	return IsMulti(err, io.EOF, io.ErrClosedPipe, net.ErrClosed, syscall.EPIPE, syscall.ECONNRESET, syscall.ENOTCONN)
}

func IsCanceled(err error) bool {
	return IsMulti(err, context.Canceled, syscall.ECANCELED)
}
