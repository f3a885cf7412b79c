package sides

import "sync/atomic"

// slot holds the most recently registered value for one callback role
type slot[T any] struct {
	p atomic.Pointer[T]
}

func (s *slot[T]) set(v T) {
	s.p.Store(&v)
}

func (s *slot[T]) get() (T, bool) {
	p := s.p.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}
