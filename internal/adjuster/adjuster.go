// Package adjuster applies relative changes to the alert threshold with
// read-modify-write semantics against the remote store.
//
// Adjustments are executed one at a time by Run, so no two adjustments
// interleave their read and write steps. Each adjustment reads the value
// the store holds at that moment rather than the local mirror, which may
// lag behind writes that have not been echoed yet.
package adjuster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dhtsync/internal/telemetry"
)

// ErrStopped is returned for adjustments submitted after Run returned, and
// for queued adjustments that Run abandoned on shutdown.
var ErrStopped = errors.New("adjuster stopped")

var errOutOfRange = errors.New("adjusted threshold out of range")

// Reader fetches the authoritative threshold. remote.Store satisfies it.
type Reader interface {
	Get(ctx context.Context, path string) (string, error)
}

// ThresholdWriter stores a new threshold. *syncengine.Engine satisfies it.
type ThresholdWriter interface {
	WriteThreshold(ctx context.Context, v float32) error
}

// Policy decides what happens to an adjustment submitted while another one
// is pending.
type Policy string

const (
	// PolicyQueue runs adjustments in submission order.
	PolicyQueue Policy = "queue"
	// PolicyReject fails the new adjustment with telemetry.ErrBusy.
	PolicyReject Policy = "reject"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyQueue:
		return PolicyQueue, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return PolicyQueue, fmt.Errorf("invalid adjust policy %q (allowed: queue, reject)", s)
	}
}

// State is the phase of the adjustment currently executing.
type State int32

const (
	Idle State = iota
	Reading
	Writing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Result is the outcome of one adjustment.
type Result struct {
	Value float32
	Err   error
}

type request struct {
	ctx    context.Context
	delta  float32
	result chan Result
}

const defaultTimeout = 10 * time.Second

type Option func(*Adjuster)

func WithLogger(l *slog.Logger) Option {
	return func(a *Adjuster) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(a *Adjuster) { a.policy = p }
}

// WithPath sets the store path of the threshold. Defaults to
// "Config/threshold".
func WithPath(path string) Option {
	return func(a *Adjuster) { a.path = path }
}

// WithTimeout bounds the read and the write of each adjustment together.
func WithTimeout(d time.Duration) Option {
	return func(a *Adjuster) { a.timeout = d }
}

type Adjuster struct {
	reader  Reader
	writer  ThresholdWriter
	path    string
	policy  Policy
	timeout time.Duration
	logger  *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	pending  []*request
	inFlight bool
	stopped  bool
	wake     chan struct{}
}

func New(reader Reader, writer ThresholdWriter, opts ...Option) *Adjuster {
	a := &Adjuster{
		reader:  reader,
		writer:  writer,
		path:    "Config/threshold",
		policy:  PolicyQueue,
		timeout: defaultTimeout,
		logger:  slog.Default(),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State reports what the running adjustment is doing.
func (a *Adjuster) State() State {
	return State(a.state.Load())
}

// Run executes submitted adjustments in FIFO order until ctx is done.
// Adjust blocks until Run picks its request up.
func (a *Adjuster) Run(ctx context.Context) error {
	defer a.stop()
	for {
		req, ok := a.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-a.wake:
				continue
			}
		}

		if err := req.ctx.Err(); err != nil {
			req.result <- Result{Err: err}
		} else {
			v, err := a.adjust(req.ctx, req.delta)
			req.result <- Result{Value: v, Err: err}
		}

		a.mu.Lock()
		a.inFlight = false
		a.mu.Unlock()
	}
}

// Adjust adds delta to the threshold held by the store and returns the value
// written. Under PolicyReject it fails with telemetry.ErrBusy while another
// adjustment is queued or running.
func (a *Adjuster) Adjust(ctx context.Context, delta float32) (float32, error) {
	req := &request{ctx: ctx, delta: delta, result: make(chan Result, 1)}

	a.mu.Lock()
	switch {
	case a.stopped:
		a.mu.Unlock()
		return 0, ErrStopped
	case a.policy == PolicyReject && (a.inFlight || len(a.pending) > 0):
		a.mu.Unlock()
		return 0, &telemetry.WriteError{Kind: telemetry.ErrBusy, Field: telemetry.FieldThreshold}
	}
	a.pending = append(a.pending, req)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}

	select {
	case res := <-req.result:
		return res.Value, res.Err
	case <-ctx.Done():
		// Run drops the request when it reaches it.
		return 0, classify(ctx, ctx.Err())
	}
}

// AdjustAsync runs Adjust in the background. The returned channel receives
// exactly one Result.
func (a *Adjuster) AdjustAsync(ctx context.Context, delta float32) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		v, err := a.Adjust(ctx, delta)
		ch <- Result{Value: v, Err: err}
		close(ch)
	}()
	return ch
}

func (a *Adjuster) next() (*request, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return nil, false
	}
	req := a.pending[0]
	a.pending[0] = nil
	a.pending = a.pending[1:]
	a.inFlight = true
	return req, true
}

func (a *Adjuster) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for _, req := range a.pending {
		req.result <- Result{Err: ErrStopped}
	}
	a.pending = nil
}

func (a *Adjuster) adjust(ctx context.Context, delta float32) (float32, error) {
	defer a.state.Store(int32(Idle))

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	a.state.Store(int32(Reading))
	raw, err := a.reader.Get(ctx, a.path)
	if err != nil {
		werr := classify(ctx, err)
		a.logger.Warn("threshold read failed", "path", a.path, "error", werr)
		return 0, werr
	}
	cur, err := telemetry.ParseThreshold(raw)
	if err != nil {
		werr := &telemetry.WriteError{Kind: telemetry.ErrRejected, Field: telemetry.FieldThreshold, Err: err}
		a.logger.Warn("threshold read failed", "path", a.path, "error", werr)
		return 0, werr
	}

	next := cur + delta
	if f := float64(next); math.IsNaN(f) || math.IsInf(f, 0) {
		werr := &telemetry.WriteError{Kind: telemetry.ErrRejected, Field: telemetry.FieldThreshold, Err: errOutOfRange}
		a.logger.Warn("threshold adjustment out of range", "from", cur, "delta", delta, "error", werr)
		return 0, werr
	}
	a.state.Store(int32(Writing))
	if err := a.writer.WriteThreshold(ctx, next); err != nil {
		var werr *telemetry.WriteError
		if !errors.As(err, &werr) {
			err = classify(ctx, err)
		}
		return 0, err
	}

	a.logger.Info("threshold adjusted", "from", cur, "delta", delta, "to", next)
	return next, nil
}

func classify(ctx context.Context, err error) error {
	kind := telemetry.ErrRejected
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = telemetry.ErrTimeout
	}
	return &telemetry.WriteError{Kind: kind, Field: telemetry.FieldThreshold, Err: err}
}
