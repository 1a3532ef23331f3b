package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// Scope decides whether a record outlives the current program instance
type Scope int

const (
	// Local records live in memory only
	Local Scope = iota
	// Global records are persisted to the registry document
	Global
)

func (s Scope) String() string {
	if s == Global {
		return "global"
	}
	return "local"
}

// Namespace separates the entries consulted by stop and by wait
type Namespace string

const (
	Stop Namespace = "stop"
	Wait Namespace = "wait"
)

var namespaces = []Namespace{Stop, Wait}

var ErrAlreadyRunning = errors.New("already running")

// Record maps a task name to the pid it was started as
type Record struct {
	Name  string
	PID   int
	Scope Scope
}

// document is the on-disk form of the global scope
type document struct {
	Stop map[string]int `yaml:"stop"`
	Wait map[string]int `yaml:"wait"`
}

func (d *document) table(ns Namespace) map[string]int {
	switch ns {
	case Stop:
		if d.Stop == nil {
			d.Stop = make(map[string]int)
		}
		return d.Stop
	default:
		if d.Wait == nil {
			d.Wait = make(map[string]int)
		}
		return d.Wait
	}
}

// Registry tracks running tasks by name in a local and a global scope.
//
// The global document is read in full on every access and rewritten in full
// on every mutation, under a lock file so that separate invocations do not
// interleave their read-modify-write cycles.
type Registry struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	local  map[Namespace]map[string]int
	closed bool

	// alive is swapped out in tests
	alive func(pid int) bool
}

// Open creates a registry whose global scope is persisted at path
func Open(path string) (*Registry, error) {
	if path == "" {
		return nil, fmt.Errorf("registry path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	r := &Registry{
		path:  path,
		lock:  flock.New(path + ".lock"),
		local: make(map[Namespace]map[string]int),
		alive: Alive,
	}
	for _, ns := range namespaces {
		r.local[ns] = make(map[string]int)
	}
	return r, nil
}

// Path returns the location of the global document
func (r *Registry) Path() string {
	return r.path
}

// Close releases the lock file handle. Local records are discarded.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.local = nil
	return r.lock.Close()
}

// Lookup returns the record for name in one namespace and scope
func (r *Registry) Lookup(ns Namespace, name string, scope Scope) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Record{}, false, fmt.Errorf("registry is closed")
	}

	if scope == Local {
		pid, ok := r.local[ns][name]
		return Record{Name: name, PID: pid, Scope: Local}, ok, nil
	}

	doc, err := r.readShared()
	if err != nil {
		return Record{}, false, err
	}
	pid, ok := doc.table(ns)[name]
	return Record{Name: name, PID: pid, Scope: Global}, ok, nil
}

// LookupAny tries the local scope first, then the global one
func (r *Registry) LookupAny(ns Namespace, name string) (Record, bool, error) {
	for _, scope := range []Scope{Local, Global} {
		rec, ok, err := r.Lookup(ns, name, scope)
		if err != nil || ok {
			return rec, ok, err
		}
	}
	return Record{}, false, nil
}

// Record stores pid for name in both namespaces of scope. It fails with
// ErrAlreadyRunning when name is already recorded and its pid is still alive;
// a record left behind by a dead process is overwritten.
func (r *Registry) Record(name string, scope Scope, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("registry is closed")
	}

	if scope == Local {
		if err := r.checkExisting(name, r.local); err != nil {
			return err
		}
		for _, ns := range namespaces {
			r.local[ns][name] = pid
		}
		return nil
	}

	return r.update(func(doc *document) (bool, error) {
		tables := map[Namespace]map[string]int{
			Stop: doc.table(Stop),
			Wait: doc.table(Wait),
		}
		if err := r.checkExisting(name, tables); err != nil {
			return false, err
		}
		for _, ns := range namespaces {
			tables[ns][name] = pid
		}
		return true, nil
	})
}

func (r *Registry) checkExisting(name string, tables map[Namespace]map[string]int) error {
	for _, ns := range namespaces {
		if existing, ok := tables[ns][name]; ok && r.alive(existing) {
			return fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, name, existing)
		}
	}
	return nil
}

// Clear removes name from both namespaces of scope. Clearing an absent
// name is not an error.
func (r *Registry) Clear(name string, scope Scope) error {
	return r.clear(name, scope, 0)
}

// Release clears name only where it is still recorded with pid, so a run
// that finishes late cannot remove the record of a newer run.
func (r *Registry) Release(name string, scope Scope, pid int) error {
	return r.clear(name, scope, pid)
}

func (r *Registry) clear(name string, scope Scope, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	remove := func(table map[string]int) bool {
		existing, ok := table[name]
		if !ok || (pid != 0 && existing != pid) {
			return false
		}
		delete(table, name)
		return true
	}

	if scope == Local {
		for _, ns := range namespaces {
			remove(r.local[ns])
		}
		return nil
	}

	return r.update(func(doc *document) (bool, error) {
		changed := false
		for _, ns := range namespaces {
			if remove(doc.table(ns)) {
				changed = true
			}
		}
		return changed, nil
	})
}

// List returns every record of both scopes, local first, sorted by name
func (r *Registry) List() ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("registry is closed")
	}

	doc, err := r.readShared()
	if err != nil {
		return nil, err
	}

	var records []Record
	records = append(records, collect(r.local, Local)...)
	records = append(records, collect(map[Namespace]map[string]int{
		Stop: doc.table(Stop),
		Wait: doc.table(Wait),
	}, Global)...)
	return records, nil
}

func collect(tables map[Namespace]map[string]int, scope Scope) []Record {
	seen := make(map[string]bool)
	var records []Record
	for _, ns := range namespaces {
		for name, pid := range tables[ns] {
			if seen[name] {
				continue
			}
			seen[name] = true
			records = append(records, Record{Name: name, PID: pid, Scope: scope})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
	return records
}

// readShared loads the document under a shared lock
func (r *Registry) readShared() (*document, error) {
	if err := r.lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock registry: %w", err)
	}
	defer r.lock.Unlock()

	return r.read()
}

// update runs fn on the document under an exclusive lock and writes it back
// when fn reports a change
func (r *Registry) update(fn func(doc *document) (bool, error)) error {
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock registry: %w", err)
	}
	defer r.lock.Unlock()

	doc, err := r.read()
	if err != nil {
		return err
	}

	changed, err := fn(doc)
	if err != nil || !changed {
		return err
	}
	return r.write(doc)
}

func (r *Registry) read() (*document, error) {
	doc := &document{}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry %s: %w", r.path, err)
	}
	return doc, nil
}

func (r *Registry) write(doc *document) error {
	doc.table(Stop)
	doc.table(Wait)

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	tempPath := r.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}

	if err := os.Rename(tempPath, r.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write registry: %w", err)
	}

	return nil
}
