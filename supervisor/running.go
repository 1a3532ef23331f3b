package supervisor

import "sync"

// RunningSet holds the live handles of one program instance
type RunningSet struct {
	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// NewRunningSet creates an empty set
func NewRunningSet() *RunningSet {
	return &RunningSet{
		handles: make(map[*Handle]struct{}),
	}
}

func (rs *RunningSet) Add(h *Handle) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.handles[h] = struct{}{}
}

func (rs *RunningSet) Remove(h *Handle) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.handles, h)
}

// ByPID returns every handle for pid whose process has not exited
func (rs *RunningSet) ByPID(pid int) []*Handle {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var result []*Handle
	for h := range rs.handles {
		if h.pid == pid && !h.Exited() {
			result = append(result, h)
		}
	}
	return result
}

// Snapshot returns the current handles
func (rs *RunningSet) Snapshot() []*Handle {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	result := make([]*Handle, 0, len(rs.handles))
	for h := range rs.handles {
		result = append(result, h)
	}
	return result
}

// Len returns the number of handles
func (rs *RunningSet) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.handles)
}
