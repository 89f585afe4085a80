package dispatch

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/breez/field-sync/conflict"
	"github.com/breez/field-sync/metrics"
)

// Phase is the state of one sync direction.
type Phase int32

const (
	Idle Phase = iota
	InFlight
	Backoff
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case InFlight:
		return "in-flight"
	case Backoff:
		return "backoff"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// direction holds what push and pull dispatchers share: the phase machine,
// the backoff timer and the failure routing. Only the owning loop goroutine
// mutates it; Phase may be read from anywhere.
type direction struct {
	name       conflict.Direction
	phase      atomic.Int32
	backoff    *ExponentialBackoff
	timer      *time.Timer
	timerC     <-chan time.Time
	classifier *conflict.Classifier
	metrics    *metrics.Collectors
	logger     *log.Logger
}

func (d *direction) current() Phase {
	return Phase(d.phase.Load())
}

func (d *direction) set(p Phase) {
	d.phase.Store(int32(p))
}

func (d *direction) begin() {
	d.stopTimer()
	d.set(InFlight)
}

func (d *direction) succeed() {
	d.backoff.Reset()
	d.set(Idle)
	d.observe(metrics.ResultSuccess)
}

// fail routes err through the classifier and enters Backoff.
func (d *direction) fail(cycleID string, err error, result string) {
	d.logger.Printf("%s cycle %s failed: %v", d.name, cycleID, err)
	d.classifier.Report(d.name, err)
	d.observe(result)
	d.wait(d.backoff.Next())
}

// wait enters Backoff for delay without treating it as a failure.
func (d *direction) wait(delay time.Duration) {
	d.stopTimer()
	d.set(Backoff)
	d.timer = time.NewTimer(delay)
	d.timerC = d.timer.C
}

// elapsed handles the backoff timer firing.
func (d *direction) elapsed() {
	d.timer = nil
	d.timerC = nil
	if d.current() == Backoff {
		d.set(Idle)
	}
}

func (d *direction) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = nil
	d.timerC = nil
}

func (d *direction) observe(result string) {
	if d.metrics != nil {
		d.metrics.ObserveCycle(d.name, result)
	}
}
