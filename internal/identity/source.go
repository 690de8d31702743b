package identity

import "sync"

// Listener receives the new identity after each change. A nil identity means
// nobody is signed in.
type Listener func(*Identity)

// Source holds the current identity and notifies subscribers when it changes.
type Source struct {
	mu        sync.Mutex
	current   *Identity
	nextID    int
	listeners map[int]Listener
}

// NewSource returns an empty Source.
func NewSource() *Source {
	return &Source{listeners: make(map[int]Listener)}
}

// Current returns a copy of the current identity.
func (s *Source) Current() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Set replaces the current identity. Listeners run synchronously, outside the
// lock, and only when the identity key changed.
func (s *Source) Set(id *Identity) bool {
	s.mu.Lock()
	if s.current.Key() == id.Key() {
		s.current = id.Clone()
		s.mu.Unlock()
		return false
	}
	s.current = id.Clone()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(id.Clone())
	}
	return true
}

// Clear signs the identity out.
func (s *Source) Clear() bool {
	return s.Set(nil)
}

// Subscribe registers fn and returns a function that removes it.
func (s *Source) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
