package tcp

// State is the lifecycle position of a Socket.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateOpen
	StateReadClosed
	StateWriteClosed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateOpen:
		return "open"
	case StateReadClosed:
		return "read-closed"
	case StateWriteClosed:
		return "write-closed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type Event uint8

const (
	EventConnect Event = iota
	EventConnected
	EventConnectFailed
	EventAccepted
	EventListen
	EventReadEnd
	EventWriteFinish
	EventDestroy
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventAccepted:
		return "accepted"
	case EventListen:
		return "listen"
	case EventReadEnd:
		return "read-end"
	case EventWriteFinish:
		return "write-finish"
	case EventDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

type transitionKey struct {
	from  State
	event Event
}

var transitions = map[transitionKey]State{
	{StateIdle, EventConnect}:             StateConnecting,
	{StateConnecting, EventConnected}:     StateOpen,
	{StateConnecting, EventConnectFailed}: StateIdle,
	{StateIdle, EventAccepted}:            StateOpen,
	{StateIdle, EventListen}:              StateListening,
	{StateOpen, EventReadEnd}:             StateReadClosed,
	{StateOpen, EventWriteFinish}:         StateWriteClosed,
	{StateReadClosed, EventWriteFinish}:   StateDestroyed,
	{StateWriteClosed, EventReadEnd}:      StateDestroyed,
}

// Transition returns the state reached from state on event. Destroyed absorbs every
// event; any unlisted pair leaves the state unchanged and reports false.
func Transition(state State, event Event) (State, bool) {
	if state == StateDestroyed {
		return state, false
	}
	if event == EventDestroy {
		return StateDestroyed, true
	}
	next, loaded := transitions[transitionKey{state, event}]
	if !loaded {
		return state, false
	}
	return next, true
}
