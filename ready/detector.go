package ready

import (
	"sync"
	"time"
)

// Detector delivers a single readiness signal for one run
type Detector struct {
	spec    Spec
	matcher *Matcher

	ready   chan struct{}
	once    sync.Once
	stopped chan struct{}
	stop    sync.Once

	mu    sync.Mutex
	timer *time.Timer
}

// NewDetector creates a detector for spec. bufferLength caps the output
// retained in pattern mode.
func NewDetector(spec Spec, bufferLength int) *Detector {
	d := &Detector{
		spec:    spec,
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if spec.Mode == Pattern {
		d.matcher = NewMatcher(spec.Pattern, bufferLength)
	}
	return d
}

// Mode returns the detection mode
func (d *Detector) Mode() Mode {
	return d.spec.Mode
}

// Start begins detection. Disabled mode fires immediately, timed mode arms
// its timer, and pattern mode waits for Feed.
func (d *Detector) Start() {
	switch d.spec.Mode {
	case Disabled:
		d.fire()
	case Timed:
		d.mu.Lock()
		d.timer = time.AfterFunc(d.spec.Delay, d.fire)
		d.mu.Unlock()
	}
}

// Feed passes a chunk of output to the pattern matcher. It is a no-op in
// other modes and after the detector has fired or been stopped.
func (d *Detector) Feed(chunk []byte) {
	if d.matcher == nil || d.isStopped() {
		return
	}
	if d.matcher.Feed(chunk) {
		d.fire()
	}
}

// Ready returns a channel closed when readiness fires
func (d *Detector) Ready() <-chan struct{} {
	return d.ready
}

// Stop disarms the timer and detaches the matcher. A detector that has not
// fired yet will never fire after Stop returns.
func (d *Detector) Stop() {
	d.stop.Do(func() {
		d.mu.Lock()
		close(d.stopped)
		if d.timer != nil {
			d.timer.Stop()
		}
		d.mu.Unlock()
	})
}

func (d *Detector) fire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isStopped() {
		return
	}
	d.once.Do(func() {
		close(d.ready)
	})
}

func (d *Detector) isStopped() bool {
	select {
	case <-d.stopped:
		return true
	default:
		return false
	}
}
