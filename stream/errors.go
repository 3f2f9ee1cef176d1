package stream

import E "github.com/sagernet/loopnet/common/exceptions"

var (
	ErrWouldBlock    = E.New("no data buffered")
	ErrWriteAfterEnd = E.New("write after end")
	ErrDestroyed     = E.New("stream destroyed")
)
