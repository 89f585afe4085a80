package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/breez/field-sync/conflict"
	"github.com/breez/field-sync/connectivity"
	"github.com/breez/field-sync/metrics"
	"github.com/google/uuid"
)

// PullRequester is a level-triggered pull request flag. Any number of
// requests made before the dispatcher consumes the flag collapse into one pull.
type PullRequester struct {
	mu        sync.Mutex
	requested uint64
	cleared   uint64
	notify    chan struct{}
}

func NewPullRequester() *PullRequester {
	return &PullRequester{notify: make(chan struct{}, 1)}
}

// Request raises the flag.
func (r *PullRequester) Request() {
	r.mu.Lock()
	r.requested++
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *PullRequester) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested > r.cleared
}

// claim returns a mark for the requests a starting pull will serve.
func (r *PullRequester) claim() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested
}

// clear lowers the flag for every request up to mark. Requests made after
// the pull started keep the flag raised.
func (r *PullRequester) clear(mark uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mark > r.cleared {
		r.cleared = mark
	}
}

// Reset drops every outstanding request.
func (r *PullRequester) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = r.requested
}

type PullConfig struct {
	Config
	// Timeout bounds how long a fetch may run before the cycle gives up and
	// waits for its late completion instead.
	Timeout time.Duration
}

// Fetcher reads remote state. Applier merges it into the local store.
type (
	Fetcher[T any] func(ctx context.Context) (T, error)
	Applier[T any] func(ctx context.Context, value T) error
)

type lateResult[T any] struct {
	gen   uint64
	id    string
	value T
	err   error
}

type pullResult struct {
	cycleResult
	mark     uint64
	timedOut bool
}

// PullDispatcher consumes the pull request flag while a user is signed in
// and the debounced connectivity is Online. A fetch that outlives Timeout is
// abandoned for the cycle; its late result is applied only if no newer pull
// started since.
type PullDispatcher[T any] struct {
	requester    *PullRequester
	fetch        Fetcher[T]
	apply        Applier[T]
	timeout      time.Duration
	connectivity *Debouncer[connectivity.State]
	userCh       chan string
	results      chan pullResult
	late         chan lateResult[T]
	dir          direction
	generation   uint64
	wg           sync.WaitGroup
}

func NewPullDispatcher[T any](requester *PullRequester, fetch Fetcher[T], apply Applier[T], config *PullConfig) *PullDispatcher[T] {
	if config == nil {
		config = &PullConfig{}
	}
	base := config.Config.withDefaults("[pull] ")
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PullDispatcher[T]{
		requester:    requester,
		fetch:        fetch,
		apply:        apply,
		timeout:      timeout,
		connectivity: NewDebouncer[connectivity.State](base.Window),
		userCh:       make(chan string),
		results:      make(chan pullResult),
		late:         make(chan lateResult[T]),
		dir: direction{
			name:       conflict.DirectionPull,
			backoff:    base.Backoff,
			classifier: base.Classifier,
			metrics:    base.Metrics,
			logger:     base.Logger,
		},
	}
}

func (d *PullDispatcher[T]) SetConnectivity(state connectivity.State) {
	d.connectivity.Trigger(state)
}

func (d *PullDispatcher[T]) SetUser(ctx context.Context, userID string) {
	select {
	case d.userCh <- userID:
	case <-ctx.Done():
	}
}

func (d *PullDispatcher[T]) Phase() Phase {
	return d.dir.current()
}

func (d *PullDispatcher[T]) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.loop(ctx)
}

func (d *PullDispatcher[T]) Wait() {
	d.wg.Wait()
}

func (d *PullDispatcher[T]) loop(ctx context.Context) {
	defer d.wg.Done()
	defer d.connectivity.Stop()
	defer d.dir.stopTimer()

	var (
		settled = connectivity.Unknown
		user    string
	)

	evaluate := func() {
		if user == "" || settled != connectivity.Online {
			return
		}
		if d.dir.current() != Idle || !d.requester.Pending() {
			return
		}
		d.startCycle(ctx)
	}

	for {
		select {
		case state := <-d.connectivity.C():
			settled = state
			evaluate()

		case <-d.requester.notify:
			evaluate()

		case user = <-d.userCh:
			evaluate()

		case res := <-d.results:
			d.requester.clear(res.mark)
			switch {
			case res.err == nil:
				d.dir.succeed()
			case res.timedOut:
				d.dir.fail(res.id, res.err, metrics.ResultTimeout)
			default:
				d.dir.fail(res.id, res.err, metrics.ResultFailure)
			}
			evaluate()

		case late := <-d.late:
			d.handleLate(ctx, late)

		case <-d.dir.timerC:
			d.dir.elapsed()
			evaluate()

		case <-ctx.Done():
			return
		}
	}
}

func (d *PullDispatcher[T]) startCycle(ctx context.Context) {
	d.dir.begin()
	d.generation++
	gen := d.generation
	mark := d.requester.claim()
	id := uuid.NewString()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		var zero T
		value, err := RaceWithLateCompletion(ctx, d.timeout, func(ctx context.Context) (T, error) {
			return d.fetch(ctx)
		}, zero, func(value T, err error) {
			select {
			case d.late <- lateResult[T]{gen: gen, id: id, value: value, err: err}:
			case <-ctx.Done():
			}
		})
		res := pullResult{cycleResult: cycleResult{id: id}, mark: mark}
		switch {
		case errors.Is(err, ErrTimeout):
			res.err = err
			res.timedOut = true
		case err != nil:
			res.err = err
		default:
			res.err = runCycle(ctx, func(ctx context.Context) error {
				return d.apply(ctx, value)
			})
		}
		select {
		case d.results <- res:
		case <-ctx.Done():
		}
	}()
}

// handleLate applies the result of a timed-out fetch unless a newer pull has
// started since, in which case the result is stale and dropped.
func (d *PullDispatcher[T]) handleLate(ctx context.Context, late lateResult[T]) {
	if late.err != nil {
		d.dir.logger.Printf("pull cycle %s completed late with error: %v", late.id, late.err)
		return
	}
	if late.gen != d.generation || d.dir.current() == InFlight {
		d.dir.logger.Printf("pull cycle %s completed late after a newer pull started, discarding", late.id)
		d.dir.observe(metrics.ResultStale)
		return
	}
	d.dir.logger.Printf("pull cycle %s completed late, applying", late.id)
	d.dir.begin()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := runCycle(ctx, func(ctx context.Context) error {
			return d.apply(ctx, late.value)
		})
		res := pullResult{cycleResult: cycleResult{id: late.id, err: err}}
		select {
		case d.results <- res:
		case <-ctx.Done():
		}
	}()
}
