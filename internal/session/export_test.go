package session

import "sort"

// RegisteredProgressIDs returns the ids of listeners still awaiting progress.
func (s *Session) RegisteredProgressIDs() []int64 {
	ids := s.progress.registered()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ConnectionListenerCount returns the number of connection listeners.
func (s *Session) ConnectionListenerCount() int {
	return s.connections.count()
}

// WaitCounter returns the id handed to the most recent wait.
func (s *Session) WaitCounter() int32 {
	return s.waits.counter.Load()
}
