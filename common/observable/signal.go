package observable

// Signal is a list of callbacks invoked in subscription order. It is not safe for
// concurrent use; owners confine it to their event loop.
type Signal[T any] struct {
	nextID   uint64
	handlers []handler[T]
}

type handler[T any] struct {
	id   uint64
	once bool
	fn   func(T)
}

// Subscription identifies a callback registered with On or Once.
type Subscription uint64

func (s *Signal[T]) On(fn func(T)) Subscription {
	return s.add(fn, false)
}

func (s *Signal[T]) Once(fn func(T)) Subscription {
	return s.add(fn, true)
}

func (s *Signal[T]) add(fn func(T), once bool) Subscription {
	s.nextID++
	s.handlers = append(s.handlers, handler[T]{id: s.nextID, once: once, fn: fn})
	return Subscription(s.nextID)
}

func (s *Signal[T]) Off(subscription Subscription) bool {
	for i, h := range s.handlers {
		if h.id == uint64(subscription) {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Emit calls every handler subscribed before the call. Handlers added while emitting
// run on the next Emit.
func (s *Signal[T]) Emit(value T) {
	if len(s.handlers) == 0 {
		return
	}
	snapshot := s.handlers
	remaining := make([]handler[T], 0, len(snapshot))
	for _, h := range snapshot {
		if !h.once {
			remaining = append(remaining, h)
		}
	}
	s.handlers = append(remaining, s.handlers[len(snapshot):]...)
	for _, h := range snapshot {
		if !h.once && !s.has(h.id) {
			continue
		}
		h.fn(value)
	}
}

func (s *Signal[T]) has(id uint64) bool {
	for _, h := range s.handlers {
		if h.id == id {
			return true
		}
	}
	return false
}

func (s *Signal[T]) Len() int {
	return len(s.handlers)
}

func (s *Signal[T]) Reset() {
	s.handlers = nil
}
