package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/botfoods/orderfeed/errs"
	"github.com/botfoods/orderfeed/internal/domain/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fetchFunc func(ctx context.Context, sessionID string) (schema.PollResult, error)

func (f fetchFunc) Poll(ctx context.Context, sessionID string) (schema.PollResult, error) {
	return f(ctx, sessionID)
}

func TestStartPollsImmediately(t *testing.T) {
	polled := make(chan string, 1)
	p := New(fetchFunc(func(_ context.Context, sessionID string) (schema.PollResult, error) {
		select {
		case polled <- sessionID:
		default:
		}
		return schema.PollResult{}, nil
	}), nil, WithInterval(time.Hour))

	require.NoError(t, p.Start("sess-1", nil))
	defer p.Stop()

	select {
	case got := <-polled:
		require.Equal(t, "sess-1", got)
	case <-time.After(time.Second):
		t.Fatal("expected immediate poll")
	}
	require.True(t, p.Running())
	require.Equal(t, "sess-1", p.SessionID())
}

func TestHandlerReceivesResults(t *testing.T) {
	results := make(chan schema.PollResult, 4)
	p := New(fetchFunc(func(context.Context, string) (schema.PollResult, error) {
		return schema.PollResult{Notifications: []schema.Notification{{Timestamp: "1"}}}, nil
	}), func(_ context.Context, _ string, result schema.PollResult) {
		select {
		case results <- result:
		default:
		}
	}, WithInterval(10*time.Millisecond))

	require.NoError(t, p.Start("sess-1", nil))
	for i := 0; i < 3; i++ {
		select {
		case res := <-results:
			require.Len(t, res.Notifications, 1)
		case <-time.After(time.Second):
			t.Fatal("expected repeated polls")
		}
	}
	p.Stop()
	require.False(t, p.Running())
}

func TestTicksSkippedWhilePollInFlight(t *testing.T) {
	var active, maxActive, calls int32
	release := make(chan struct{})
	p := New(fetchFunc(func(ctx context.Context, _ string) (schema.PollResult, error) {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			cur := atomic.LoadInt32(&maxActive)
			if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
				break
			}
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return schema.PollResult{}, nil
	}), nil, WithInterval(5*time.Millisecond))

	require.NoError(t, p.Start("sess-1", nil))
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "ticks during an in-flight poll must be skipped")
	close(release)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) > 1 }, time.Second, 5*time.Millisecond)
	p.Stop()
	require.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestTransientErrorsKeepPolling(t *testing.T) {
	var calls int32
	p := New(fetchFunc(func(context.Context, string) (schema.PollResult, error) {
		atomic.AddInt32(&calls, 1)
		return schema.PollResult{}, errs.New("broker/poll", errs.CodeTransientPoll, errs.WithHTTP(503))
	}), nil, WithInterval(5*time.Millisecond))

	require.NoError(t, p.Start("sess-1", nil))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, 5*time.Millisecond)
	require.True(t, p.Running())
	p.Stop()
}

func TestSessionExpiryStopsAndNotifies(t *testing.T) {
	var calls int32
	expired := make(chan error, 1)
	var p *Poller
	p = New(fetchFunc(func(context.Context, string) (schema.PollResult, error) {
		atomic.AddInt32(&calls, 1)
		return schema.PollResult{}, errs.New("broker/poll", errs.CodeSessionExpired, errs.WithHTTP(401))
	}), func(context.Context, string, schema.PollResult) {
		t.Error("handler must not run for an expired session")
	}, WithInterval(5*time.Millisecond))

	require.NoError(t, p.Start("sess-1", func(err error) {
		// stopping from the callback must not deadlock
		p.Stop()
		expired <- err
	}))

	select {
	case err := <-expired:
		require.ErrorIs(t, err, errs.ErrSessionExpired)
	case <-time.After(time.Second):
		t.Fatal("expected expiry callback")
	}
	require.False(t, p.Running())
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(fetchFunc(func(context.Context, string) (schema.PollResult, error) {
		return schema.PollResult{}, nil
	}), nil)
	p.Stop()
	require.NoError(t, p.Start("sess-1", nil))
	p.Stop()
	p.Stop()
	require.False(t, p.Running())
}

func TestStopWaitsForHandler(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	p := New(fetchFunc(func(context.Context, string) (schema.PollResult, error) {
		return schema.PollResult{}, nil
	}), func(ctx context.Context, _ string, _ schema.PollResult) {
		close(entered)
		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, ctx.Err())
		finished.Store(true)
	}, WithInterval(time.Hour))

	require.NoError(t, p.Start("sess-1", nil))
	<-entered
	p.Stop()
	require.True(t, finished.Load(), "stop returns only after the batch completes")
}

func TestRestartSwitchesSession(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	p := New(fetchFunc(func(_ context.Context, sessionID string) (schema.PollResult, error) {
		mu.Lock()
		seen[sessionID]++
		mu.Unlock()
		return schema.PollResult{}, nil
	}), nil, WithInterval(time.Hour))

	require.NoError(t, p.Start("sess-1", nil))
	require.NoError(t, p.Start("sess-2", nil))
	require.Equal(t, "sess-2", p.SessionID())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["sess-2"] == 1
	}, time.Second, 5*time.Millisecond)
	p.Stop()
}

func TestStartValidation(t *testing.T) {
	p := New(nil, nil)
	require.ErrorIs(t, p.Start("sess-1", nil), errs.ErrInvalid)

	p = New(fetchFunc(func(context.Context, string) (schema.PollResult, error) {
		return schema.PollResult{}, nil
	}), nil)
	require.ErrorIs(t, p.Start("  ", nil), errs.ErrInvalid)
	require.False(t, p.Running())
}
