package sqlite

// HoldWriters takes the writer lock until the returned func is called.
func HoldWriters(s *Store) func() {
	s.mu.Lock()
	return s.mu.Unlock
}
