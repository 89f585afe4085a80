package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/breez/field-sync/conflict"
	"github.com/breez/field-sync/connectivity"
	"github.com/breez/field-sync/metrics"
	"github.com/breez/field-sync/runner"
	"github.com/google/uuid"
)

// DefaultWindow is the quiescence window applied to dispatcher inputs.
const DefaultWindow = 500 * time.Millisecond

// CycleFunc runs one sync cycle.
type CycleFunc func(ctx context.Context) error

type Config struct {
	Window     time.Duration
	Backoff    *ExponentialBackoff
	Classifier *conflict.Classifier
	Metrics    *metrics.Collectors
	Logger     *log.Logger
}

func (c *Config) withDefaults(prefix string) *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	if out.Backoff == nil {
		out.Backoff = NewExponentialBackoff(time.Second, time.Minute, 2, 0.1)
	}
	if out.Logger == nil {
		out.Logger = log.New(os.Stderr, prefix, log.LstdFlags)
	}
	if out.Classifier == nil {
		out.Classifier = conflict.NewClassifier(conflict.NewLogReporter(out.Logger))
	}
	return &out
}

type cycleResult struct {
	id  string
	err error
}

// PushDispatcher starts a push cycle once the debounced connectivity is
// Online, the debounced unsynced id list is non-empty and a user is signed
// in. At most one push is in flight; firings that arrive meanwhile are
// deferred until the direction is Idle again.
type PushDispatcher struct {
	push         CycleFunc
	window       time.Duration
	connectivity *Debouncer[connectivity.State]
	unsynced     *Debouncer[[]string]
	userCh       chan string
	results      chan cycleResult
	dir          direction
	wg           sync.WaitGroup
}

func NewPushDispatcher(push CycleFunc, config *Config) *PushDispatcher {
	config = config.withDefaults("[push] ")
	return &PushDispatcher{
		push:         push,
		window:       config.Window,
		connectivity: NewDebouncer[connectivity.State](config.Window),
		unsynced:     NewDebouncer[[]string](config.Window),
		userCh:       make(chan string),
		results:      make(chan cycleResult),
		dir: direction{
			name:       conflict.DirectionPush,
			backoff:    config.Backoff,
			classifier: config.Classifier,
			metrics:    config.Metrics,
			logger:     config.Logger,
		},
	}
}

func (d *PushDispatcher) SetConnectivity(state connectivity.State) {
	d.connectivity.Trigger(state)
}

func (d *PushDispatcher) SetUnsynced(ids []string) {
	d.unsynced.Trigger(append([]string(nil), ids...))
}

// SetUser records the signed-in user; an empty id means signed out.
func (d *PushDispatcher) SetUser(ctx context.Context, userID string) {
	select {
	case d.userCh <- userID:
	case <-ctx.Done():
	}
}

func (d *PushDispatcher) Phase() Phase {
	return d.dir.current()
}

// Start runs the dispatcher until ctx is cancelled.
func (d *PushDispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.loop(ctx)
}

// Wait blocks until the loop and any in-flight cycle have returned.
func (d *PushDispatcher) Wait() {
	d.wg.Wait()
}

func (d *PushDispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	defer d.connectivity.Stop()
	defer d.unsynced.Stop()
	defer d.dir.stopTimer()

	var (
		settled  = connectivity.Unknown
		unsynced []string
		user     string
		pending  bool
	)

	evaluate := func() {
		if user == "" || settled != connectivity.Online || len(unsynced) == 0 {
			return
		}
		if d.dir.current() != Idle {
			pending = true
			return
		}
		pending = false
		d.startCycle(ctx)
	}

	for {
		select {
		case state := <-d.connectivity.C():
			settled = state
			evaluate()

		case ids := <-d.unsynced.C():
			unsynced = ids
			evaluate()

		case user = <-d.userCh:
			evaluate()

		case res := <-d.results:
			switch {
			case res.err == nil:
				d.dir.succeed()
			case errors.Is(res.err, runner.ErrBusy):
				// a pull holds some of the ids; retry after one window
				d.dir.logger.Printf("push cycle %s deferred: %v", res.id, res.err)
				d.dir.wait(d.window)
				pending = true
			default:
				d.dir.fail(res.id, res.err, metrics.ResultFailure)
				pending = true
			}
			if pending {
				evaluate()
			}

		case <-d.dir.timerC:
			d.dir.elapsed()
			if pending {
				evaluate()
			}

		case <-ctx.Done():
			return
		}
	}
}

func (d *PushDispatcher) startCycle(ctx context.Context) {
	d.dir.begin()
	id := uuid.NewString()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := runCycle(ctx, d.push)
		select {
		case d.results <- cycleResult{id: id, err: err}:
		case <-ctx.Done():
		}
	}()
}

// runCycle turns a panicking cycle into an error so the loop keeps going.
func runCycle(ctx context.Context, cycle CycleFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle panicked: %v", r)
		}
	}()
	return cycle(ctx)
}
