package loop

import E "github.com/sagernet/loopnet/common/exceptions"

var ErrClosed = E.New("loop closed")
