package upstream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/utxoracle/utxoracle-live/pkg/models"
)

func TestBackoffDelayWithinBounds(t *testing.T) {
	b := DefaultBackoff
	for attempt := 0; attempt < 12; attempt++ {
		lo, hi := b.Bounds(attempt)
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			require.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			require.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func TestBackoffJitterNeverShortensDelay(t *testing.T) {
	b := DefaultBackoff
	for attempt := 0; attempt < 8; attempt++ {
		floor := (Backoff{Base: b.Base, Max: b.Max}).Delay(attempt)
		for i := 0; i < 50; i++ {
			require.GreaterOrEqual(t, b.Delay(attempt), floor,
				"attempt %d: jitter must only extend the exponential floor", attempt)
		}
	}
}

func TestBackoffExponentialThenCapped(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 60 * time.Second} // no jitter
	require.Equal(t, 1*time.Second, b.Delay(0))
	require.Equal(t, 2*time.Second, b.Delay(1))
	require.Equal(t, 4*time.Second, b.Delay(2))
	require.Equal(t, 32*time.Second, b.Delay(5))
	require.Equal(t, 60*time.Second, b.Delay(6))
	require.Equal(t, 60*time.Second, b.Delay(20))
}

func TestAdapterReconnectsThenConnects(t *testing.T) {
	attempts := 0
	session := func(ctx context.Context, connected func(), emit func(int)) error {
		attempts++
		if attempts <= 3 {
			return fmt.Errorf("%w: connection refused", models.ErrSourceUnavailable)
		}
		connected()
		emit(attempts)
		<-ctx.Done()
		return nil
	}

	backoff := Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond, Jitter: 0.25}
	a := NewAdapter("test", session, backoff, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := a.Start(ctx)

	select {
	case v := <-events:
		require.Equal(t, 4, v, "first event must come from the fourth session")
	case <-time.After(2 * time.Second):
		t.Fatal("adapter never connected")
	}
	require.Equal(t, StateConnected, a.State())

	cancel()
	a.Stop()
	require.Equal(t, StateDisconnected, a.State())
}

func TestAdapterBreakerTripsToFailed(t *testing.T) {
	var failedName string
	var failedErr error
	done := make(chan struct{})

	session := func(context.Context, func(), func(int)) error {
		return fmt.Errorf("%w: down", models.ErrSourceUnavailable)
	}
	backoff := Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}
	a := NewAdapter("flaky", session, backoff, 3, func(name string, err error) {
		failedName, failedErr = name, err
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("breaker never tripped")
	}
	require.Equal(t, StateFailed, a.State())
	require.Equal(t, "flaky", failedName)
	require.ErrorIs(t, failedErr, models.ErrSourceUnavailable)
}

func TestProtocolErrorFailsImmediately(t *testing.T) {
	done := make(chan struct{})
	sessions := 0
	session := func(context.Context, func(), func(int)) error {
		sessions++
		return fmt.Errorf("%w: bad magic", models.ErrSourceProtocol)
	}
	a := NewAdapter("proto", session, DefaultBackoff, 10, func(string, error) { close(done) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("protocol error did not fail the adapter")
	}
	require.Equal(t, StateFailed, a.State())
	require.Equal(t, 1, sessions, "protocol errors must not be retried")
}

func TestConnectedResetsFailureCount(t *testing.T) {
	attempts := 0
	session := func(ctx context.Context, connected func(), emit func(int)) error {
		attempts++
		if attempts%2 == 1 {
			return fmt.Errorf("%w: flap", models.ErrSourceUnavailable)
		}
		connected()
		if attempts >= 8 {
			<-ctx.Done()
			return nil
		}
		return errors.New("session dropped")
	}
	backoff := Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}
	tripped := false
	// Without the reset on connect, seven flapping sessions would
	// accumulate past the threshold and trip the breaker.
	a := NewAdapter("flap", session, backoff, 3, func(string, error) { tripped = true })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	require.Eventually(t, func() bool { return a.State() == StateConnected && attempts >= 8 },
		2*time.Second, time.Millisecond)
	require.False(t, tripped)
	cancel()
}

func TestMalformedFramesCounted(t *testing.T) {
	a := NewAdapter[int]("count", nil, DefaultBackoff, 10, nil)
	a.CountMalformed()
	a.CountMalformed()
	require.Equal(t, uint64(2), a.MalformedFrames())
}
