package engine

import E "github.com/sagernet/loopnet/common/exceptions"

var (
	ErrClosed         = E.New("handle closed")
	ErrCanceled       = E.New("operation canceled")
	ErrNotConnected   = E.New("handle not connected")
	ErrWouldBlock     = E.New("no pending connection")
	ErrInvalidAddress = E.New("invalid address")
	ErrNoAddress      = E.New("no address resolved")
	ErrInvalidHandle  = E.New("invalid handle")
)
