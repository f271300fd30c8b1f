package upstream

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/utxoracle/utxoracle-live/internal/metrics"
	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Upstream adapter framework
//
// Every external source (transaction feed, block feed, RPC, fee market)
// runs behind the same contract: Start yields a typed event stream, State
// reports the connection lifecycle, Stop tears the session down. The
// framework owns reconnection with exponential backoff and jitter; the
// variants only supply a session function.

// State is the adapter connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateReconnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Backoff computes reconnect delays: exponential from Base, capped at Max,
// with uniform jitter of up to +Jitter (fraction of the delay). Jitter only
// extends a delay, never shortens it, so the exponential floor holds.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff is the 1s → 60s cap with up to +25% jitter schedule.
var DefaultBackoff = Backoff{Base: time.Second, Max: 60 * time.Second, Jitter: 0.25}

// Delay returns the jittered delay for the given consecutive-failure count
// (attempt 0 = first retry).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		f := 1 + b.Jitter*rand.Float64()
		d = time.Duration(float64(d) * f)
	}
	return d
}

// Bounds returns the minimum and maximum possible delay for an attempt,
// used by the supervisor to budget restart windows.
func (b Backoff) Bounds(attempt int) (time.Duration, time.Duration) {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	hi := time.Duration(float64(d) * (1 + b.Jitter))
	return d, hi
}

// SessionFunc runs one connected session. Implementations call connected()
// once the session is established (resetting the backoff counter), then
// emit events until the session errors or ctx is cancelled. A nil return
// means clean shutdown.
type SessionFunc[T any] func(ctx context.Context, connected func(), emit func(T)) error

// Adapter supervises a SessionFunc, reconnecting through failures until the
// circuit-breaker threshold trips it into FAILED.
type Adapter[T any] struct {
	name             string
	session          SessionFunc[T]
	backoff          Backoff
	breakerThreshold uint32
	onFailed         func(name string, err error)

	state    atomic.Int32
	events   chan T
	cancel   context.CancelFunc
	done     chan struct{}
	startMu  sync.Mutex
	started  bool

	malformed atomic.Uint64 // bounded counter for discarded frames
}

func NewAdapter[T any](name string, session SessionFunc[T], backoff Backoff, breakerThreshold uint32, onFailed func(string, error)) *Adapter[T] {
	return &Adapter[T]{
		name:             name,
		session:          session,
		backoff:          backoff,
		breakerThreshold: breakerThreshold,
		onFailed:         onFailed,
		events:           make(chan T, 1024),
		done:             make(chan struct{}),
	}
}

// Start launches the supervision loop and returns the event stream.
// Calling Start twice returns the same stream.
func (a *Adapter[T]) Start(ctx context.Context) <-chan T {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.started {
		return a.events
	}
	a.started = true

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.loop(runCtx)
	return a.events
}

// State reports the current lifecycle state.
func (a *Adapter[T]) State() State {
	return State(a.state.Load())
}

// Name identifies the adapter in logs and health output.
func (a *Adapter[T]) Name() string { return a.name }

// MalformedFrames returns the count of discarded unknown/malformed frames.
func (a *Adapter[T]) MalformedFrames() uint64 { return a.malformed.Load() }

// CountMalformed records a discarded frame. A flood of bad frames never
// blocks the pipeline; they are counted and dropped.
func (a *Adapter[T]) CountMalformed() {
	a.malformed.Add(1)
	metrics.MalformedFrames.WithLabelValues(a.name).Inc()
}

// Stop cancels the session and waits for the loop to exit. Terminal.
func (a *Adapter[T]) Stop() {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if !a.started {
		return
	}
	a.cancel()
	<-a.done
	a.state.Store(int32(StateDisconnected))
}

func (a *Adapter[T]) loop(ctx context.Context) {
	defer close(a.done)
	defer close(a.events)

	failures := 0
	for {
		if ctx.Err() != nil {
			a.state.Store(int32(StateDisconnected))
			return
		}

		a.state.Store(int32(StateReconnecting))
		metrics.AdapterReconnects.WithLabelValues(a.name).Inc()
		err := a.session(ctx, func() {
			failures = 0
			a.state.Store(int32(StateConnected))
		}, func(ev T) {
			select {
			case a.events <- ev:
			case <-ctx.Done():
			}
		})

		if err == nil || ctx.Err() != nil {
			a.state.Store(int32(StateDisconnected))
			return
		}

		if errors.Is(err, models.ErrSourceProtocol) {
			log.Printf("[%s] Protocol error, entering FAILED: %v", a.name, err)
			a.fail(err)
			return
		}

		failures++
		if uint32(failures) >= a.breakerThreshold {
			log.Printf("[%s] %d consecutive failures, entering FAILED: %v", a.name, failures, err)
			a.fail(err)
			return
		}

		delay := a.backoff.Delay(failures - 1)
		log.Printf("[%s] Session error (failure %d/%d), retrying in %s: %v",
			a.name, failures, a.breakerThreshold, delay.Round(time.Millisecond), err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			a.state.Store(int32(StateDisconnected))
			return
		}
	}
}

func (a *Adapter[T]) fail(err error) {
	a.state.Store(int32(StateFailed))
	if a.onFailed != nil {
		a.onFailed(a.name, err)
	}
}
