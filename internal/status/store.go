package status

import (
	"sort"
	"sync"
)

// DefaultLogCapacity is the per-service recent log buffer size.
const DefaultLogCapacity = 20

// ServiceStatus is the status record of one supervised service.
// Field names on the wire follow the query interface contract.
type ServiceStatus struct {
	State       State    `json:"status"`
	URL         string   `json:"url"`
	Branch      string   `json:"branch"`
	RepoPath    string   `json:"repo_path"`
	ScriptToRun string   `json:"script_to_run"`
	ManagerPID  int      `json:"service_manager_pid"`
	ScriptPID   *int     `json:"script_pid"` // nil when no worker is running
	Logs        []string `json:"logs"`
}

// clone returns a deep copy so that callers never share memory with the store.
func (s ServiceStatus) clone() ServiceStatus {
	c := s
	if s.ScriptPID != nil {
		pid := *s.ScriptPID
		c.ScriptPID = &pid
	}
	c.Logs = make([]string, len(s.Logs))
	copy(c.Logs, s.Logs)
	return c
}

// PID is a convenience for building ScriptPID values.
func PID(v int) *int { return &v }

// Store is the concurrency-safe table of service status records.
// A single RWMutex guards the whole map; every method is atomic with respect to
// every other, and readers only ever receive copies.
type Store struct {
	mu       sync.RWMutex
	services map[string]*ServiceStatus
	capacity int
}

// NewStore creates a store whose per-service log buffers hold at most capacity lines.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Store{services: make(map[string]*ServiceStatus), capacity: capacity}
}

// Capacity returns the per-service log buffer size.
func (s *Store) Capacity() int { return s.capacity }

// Set replaces the record for id.
func (s *Store) Set(id string, st ServiceStatus) {
	c := st.clone()
	c.Logs = trim(c.Logs, s.capacity)
	s.mu.Lock()
	s.services[id] = &c
	s.mu.Unlock()
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (ServiceStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.services[id]
	if !ok {
		return ServiceStatus{}, false
	}
	return st.clone(), true
}

// Delete removes the record for id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.services, id)
	s.mu.Unlock()
}

// Update applies fn to the record for id under the write lock, so that a
// multi-field transition is never observed half-applied. It returns false
// when id is unknown. fn must not call back into the store.
func (s *Store) Update(id string, fn func(*ServiceStatus)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.services[id]
	if !ok {
		return false
	}
	fn(st)
	st.Logs = trim(st.Logs, s.capacity)
	return true
}

// AppendLog appends line to id's buffer, evicting the oldest lines beyond capacity.
func (s *Store) AppendLog(id, line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.services[id]
	if !ok {
		return false
	}
	st.Logs = trim(append(st.Logs, line), s.capacity)
	return true
}

// Snapshot returns an isolated point-in-time copy of every record.
func (s *Store) Snapshot() map[string]ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(s.services))
	for id, st := range s.services {
		out[id] = st.clone()
	}
	return out
}

// Keys returns the identities present, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.services))
	for k := range s.services {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

// trim keeps the newest n lines, oldest first. The backing array is reallocated
// when lines are dropped so evicted strings do not stay reachable.
func trim(logs []string, n int) []string {
	if logs == nil {
		return []string{}
	}
	over := len(logs) - n
	if over <= 0 {
		return logs
	}
	out := make([]string, n)
	copy(out, logs[over:])
	return out
}
