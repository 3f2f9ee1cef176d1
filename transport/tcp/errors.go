package tcp

import (
	E "github.com/sagernet/loopnet/common/exceptions"
	M "github.com/sagernet/loopnet/common/metadata"
)

var (
	ErrDestroyed        = E.New("socket destroyed")
	ErrNotListening     = E.New("server not listening")
	ErrAlreadyListening = E.New("already listening")
	ErrAlreadyConnected = E.New("socket already connecting or connected")
	ErrListening        = E.New("socket is listening")
)

// OpError records the socket operation and address an engine error belongs to.
type OpError struct {
	Op   string
	Addr M.Socksaddr
	Err  error
}

func (e *OpError) Error() string {
	message := "tcp " + e.Op
	if e.Addr.IsValid() {
		message += " " + e.Addr.String()
	}
	return message + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) Timeout() bool {
	return E.IsTimeout(e.Err)
}

func opError(op string, addr M.Socksaddr, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Addr: addr, Err: err}
}
