package api

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/jonboulle/clockwork"
)

func kindErr(code string) error {
	return utils.NewAppError(utils.NewCLIError(code, "injected").Build())
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		RateLimitAttempts: 5,
		TransientAttempts: 3,
		BaseDelay:         100 * time.Millisecond,
		TransientDelay:    10 * time.Millisecond,
		MaxDelay:          time.Hour,
		Jitter:            0.25,
	}
}

type fakeTime interface {
	BlockUntil(n int)
	Advance(d time.Duration)
}

// runAdvancing runs do in the background and advances the fake clock through
// exactly sleeps backoff waits.
func runAdvancing(t *testing.T, fc fakeTime, sleeps int, do func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- do() }()
	for i := 0; i < sleeps; i++ {
		fc.BlockUntil(1)
		fc.Advance(time.Hour)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("governed call did not finish")
		return nil
	}
}

func TestGovernor_RateLimitBackoffBounded(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	g := NewGovernor(4, testPolicy(),
		WithClock(fc),
		WithSeed(42),
		WithRetryHook(func(ev RetryEvent) {
			mu.Lock()
			delays = append(delays, ev.Delay)
			mu.Unlock()
		}),
	)

	var calls int32
	err := runAdvancing(t, fc, 4, func() error {
		return g.Do(context.Background(), nil, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return kindErr(utils.ErrCodeRateLimited)
		})
	})

	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Fatalf("attempts = %d, want 5", got)
	}
	if utils.KindOf(err) != types.ErrKindRateLimit {
		t.Fatalf("kind = %q, want rate-limited", utils.KindOf(err))
	}
	if exhaustedFlag, _ := utils.AsAppError(err).CLIError.Context["exhausted"].(bool); !exhaustedFlag {
		t.Errorf("error not marked exhausted: %+v", utils.AsAppError(err).CLIError)
	}
	if len(delays) != 4 {
		t.Fatalf("recorded %d delays, want 4", len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delays not strictly increasing: %v", delays)
		}
	}
	for i, d := range delays {
		nominal := testPolicy().BaseDelay << uint(i)
		if d < nominal*3/4 || d > nominal*5/4 {
			t.Errorf("delay %d = %v outside jitter band of %v", i, d, nominal)
		}
	}
}

func TestRetryPolicy_CheckSchedule(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*RetryPolicy)
		wantErr bool
	}{
		{"test policy", func(p *RetryPolicy) {}, false},
		{"defaults", func(p *RetryPolicy) { *p = DefaultRetryPolicy() }, false},
		// last retry is 100ms<<3 = 800ms, up to 1s with jitter
		{"cap just fits", func(p *RetryPolicy) { p.MaxDelay = time.Second }, false},
		{"cap flattens last retry", func(p *RetryPolicy) { p.MaxDelay = 999 * time.Millisecond }, true},
		{"jitter overlaps next step", func(p *RetryPolicy) { p.Jitter = 0.4 }, true},
		{"negative jitter", func(p *RetryPolicy) { p.Jitter = -0.1 }, true},
		{"no retries", func(p *RetryPolicy) {
			p.RateLimitAttempts = 1
			p.MaxDelay = p.BaseDelay
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPolicy()
			tt.modify(&p)
			if err := p.CheckSchedule(); (err != nil) != tt.wantErr {
				t.Errorf("CheckSchedule() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGovernor_HonorsRetryAfterAndCap(t *testing.T) {
	fc := clockwork.NewFakeClock()
	policy := testPolicy()
	policy.MaxDelay = 3 * time.Second
	var delays []time.Duration
	g := NewGovernor(1, policy, WithClock(fc), WithRetryHook(func(ev RetryEvent) {
		delays = append(delays, ev.Delay)
	}))

	var calls int
	err := runAdvancing(t, fc, 2, func() error {
		return g.Do(context.Background(), nil, func(context.Context) error {
			calls++
			if calls == 3 {
				return nil
			}
			e := utils.NewAppError(utils.NewCLIError(utils.ErrCodeRateLimited, "slow down").Build())
			e.RetryAfter = time.Duration(calls) * 2 * time.Second
			return e
		})
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if delays[0] != 2*time.Second {
		t.Errorf("first delay = %v, want Retry-After of 2s", delays[0])
	}
	if delays[1] != 3*time.Second {
		t.Errorf("second delay = %v, want cap of 3s", delays[1])
	}
}

func TestGovernor_TransientAttempts(t *testing.T) {
	fc := clockwork.NewFakeClock()
	g := NewGovernor(2, testPolicy(), WithClock(fc))

	var calls int
	err := runAdvancing(t, fc, 2, func() error {
		return g.Do(context.Background(), nil, func(context.Context) error {
			calls++
			return kindErr(utils.ErrCodeNetworkError)
		})
	})
	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
	if utils.KindOf(err) != types.ErrKindTransient {
		t.Errorf("kind = %q", utils.KindOf(err))
	}
}

func TestGovernor_NonRetryableSurfacesImmediately(t *testing.T) {
	g := NewGovernor(1, testPolicy(), WithClock(clockwork.NewFakeClock()))
	for _, code := range []string{utils.ErrCodeFileNotFound, utils.ErrCodeLocalIO, utils.ErrCodeUnknown} {
		calls := 0
		err := g.Do(context.Background(), nil, func(context.Context) error {
			calls++
			return kindErr(code)
		})
		if calls != 1 {
			t.Errorf("%s: attempts = %d, want 1", code, calls)
		}
		if utils.AsAppError(err).CLIError.Code != code {
			t.Errorf("%s: got %v", code, err)
		}
	}
}

type countingRefresher struct {
	calls int32
	err   error
}

func (r *countingRefresher) Refresh(context.Context) error {
	atomic.AddInt32(&r.calls, 1)
	return r.err
}

func TestGovernor_AuthRefresh(t *testing.T) {
	tests := []struct {
		name        string
		refresher   *countingRefresher
		failures    int
		wantErr     bool
		wantCalls   int
		wantRefresh int32
	}{
		{"no refresher", nil, 1, true, 1, 0},
		{"refresh then success", &countingRefresher{}, 1, false, 2, 1},
		{"second auth error is fatal", &countingRefresher{}, 5, true, 2, 1},
		{"refresh fails", &countingRefresher{err: kindErr(utils.ErrCodeAuthExpired)}, 1, true, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []GovernorOption{WithClock(clockwork.NewFakeClock())}
			if tt.refresher != nil {
				opts = append(opts, WithRefresher(tt.refresher))
			}
			g := NewGovernor(1, testPolicy(), opts...)

			calls := 0
			err := g.Do(context.Background(), nil, func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return kindErr(utils.ErrCodeAuthExpired)
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && utils.KindOf(err) != types.ErrKindAuth {
				t.Errorf("kind = %q, want auth", utils.KindOf(err))
			}
			if calls != tt.wantCalls {
				t.Errorf("attempts = %d, want %d", calls, tt.wantCalls)
			}
			if tt.refresher != nil && tt.refresher.calls != tt.wantRefresh {
				t.Errorf("refreshes = %d, want %d", tt.refresher.calls, tt.wantRefresh)
			}
		})
	}
}

func TestGovernor_CeilingNeverExceeded(t *testing.T) {
	const limit = 3
	g := NewGovernor(limit, testPolicy())

	var wg sync.WaitGroup
	var overflow int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Do(context.Background(), nil, func(context.Context) error {
				if g.InFlight() > limit {
					atomic.StoreInt32(&overflow, 1)
				}
				time.Sleep(2 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	if overflow != 0 || g.Peak() > limit {
		t.Fatalf("peak = %d exceeds limit %d", g.Peak(), limit)
	}
	if g.InFlight() != 0 {
		t.Errorf("in flight after completion = %d", g.InFlight())
	}
}

func TestGovernor_SlotReleasedDuringBackoff(t *testing.T) {
	fc := clockwork.NewFakeClock()
	g := NewGovernor(1, testPolicy(), WithClock(fc))

	first := make(chan error, 1)
	go func() {
		calls := 0
		first <- g.Do(context.Background(), nil, func(context.Context) error {
			calls++
			if calls == 1 {
				return kindErr(utils.ErrCodeRateLimited)
			}
			return nil
		})
	}()
	fc.BlockUntil(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Do(ctx, nil, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("second call blocked while first was backing off: %v", err)
	}

	fc.Advance(time.Hour)
	if err := <-first; err != nil {
		t.Fatalf("first call: %v", err)
	}
}

func TestGovernor_CancelDuringBackoff(t *testing.T) {
	fc := clockwork.NewFakeClock()
	g := NewGovernor(1, testPolicy(), WithClock(fc))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- g.Do(ctx, nil, func(context.Context) error {
			return kindErr(utils.ErrCodeRateLimited)
		})
	}()
	fc.BlockUntil(1)
	cancel()

	err := <-done
	if utils.KindOf(err) != types.ErrKindCancelled {
		t.Fatalf("kind = %q, want cancelled", utils.KindOf(err))
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cause lost: %v", err)
	}
}

func TestExecuteWithRetry_ReturnsValue(t *testing.T) {
	fc := clockwork.NewFakeClock()
	g := NewGovernor(1, testPolicy(), WithClock(fc))

	var calls int
	var got string
	err := runAdvancing(t, fc, 1, func() error {
		var err error
		got, err = ExecuteWithRetry(context.Background(), g, NewRequestContext("p", "", types.RequestTypeGetByID),
			func(context.Context) (string, error) {
				calls++
				if calls == 1 {
					return "", kindErr(utils.ErrCodeNetworkError)
				}
				return "ok", nil
			})
		return err
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
}
