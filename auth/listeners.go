package auth

import "sync"

type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]StateListener
}

func (l *listeners) add(fn StateListener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]StateListener)
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
		})
	}
}

func (l *listeners) emit(event Event, s *Session) {
	l.mu.Lock()
	fns := make([]StateListener, 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(event, s)
	}
}
