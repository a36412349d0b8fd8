package accountpool_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolkit/accountpool"
)

// memorySink collects registered accounts in memory and reports duplicates
// the way the store does.
type memorySink struct {
	mu       sync.Mutex
	accounts map[string]accountpool.Account
}

func newMemorySink() *memorySink {
	return &memorySink{accounts: make(map[string]accountpool.Account)}
}

func (s *memorySink) Add(ctx context.Context, acct accountpool.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acct.Email]; ok {
		return fmt.Errorf("%w: %s", accountpool.ErrDuplicateAccount, acct.Email)
	}
	s.accounts[acct.Email] = acct
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

func testReplenisherConfig() accountpool.ReplenisherConfig {
	return accountpool.ReplenisherConfig{
		MaxWorkers:     3,
		AttemptTimeout: time.Second,
		SubmitInterval: time.Millisecond,
	}
}

func TestReplenisher_Run(t *testing.T) {
	var n atomic.Int64
	registrar := accountpool.RegistrarFunc(func(ctx context.Context) (*accountpool.Registration, error) {
		i := n.Add(1)
		// Every fifth attempt fails at the verification step.
		if i%5 == 0 {
			return nil, &accountpool.RegistrationError{
				Step: accountpool.StepVerificationEmail,
				Err:  errors.New("verification email never arrived"),
			}
		}
		limit := accountpool.QuotaTierStandard
		if i%2 == 0 {
			limit = accountpool.QuotaTierHigh
		}
		return &accountpool.Registration{
			Account:      accountpool.Account{Email: fmt.Sprintf("run-%d@example.com", i)},
			RequestLimit: limit,
		}, nil
	})

	sink := newMemorySink()
	r := accountpool.NewReplenisher(registrar, sink, testReplenisherConfig())

	result := r.Run(context.Background(), 5)

	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.FailuresByStep[accountpool.StepVerificationEmail])
	assert.Equal(t, 4, result.HighTier+result.StandardTier,
		"every success should be tier-classified")
	assert.Equal(t, 4, sink.len(), "only successes reach the sink")
}

func TestReplenisher_Run_ZeroCount(t *testing.T) {
	r := accountpool.NewReplenisher(failingRegistrar, newMemorySink(), testReplenisherConfig())

	result := r.Run(context.Background(), 0)
	assert.Zero(t, result.Succeeded)
	assert.Zero(t, result.Failed)
}

func TestReplenisher_Run_AttemptTimeout(t *testing.T) {
	registrar := accountpool.RegistrarFunc(func(ctx context.Context) (*accountpool.Registration, error) {
		// Simulate a hung provisioning flow; honoring ctx is the contract.
		<-ctx.Done()
		return nil, &accountpool.RegistrationError{
			Step: accountpool.StepVerificationEmail,
			Err:  ctx.Err(),
		}
	})

	cfg := testReplenisherConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	sink := newMemorySink()
	r := accountpool.NewReplenisher(registrar, sink, cfg)

	result := r.Run(context.Background(), 2)

	assert.Zero(t, result.Succeeded)
	assert.Equal(t, 2, result.Failed, "timed-out attempts count as failures")
	assert.Zero(t, sink.len(), "abandoned attempts must not write to the sink")
}

func TestReplenisher_Run_WorkerBound(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	registrar := accountpool.RegistrarFunc(func(ctx context.Context) (*accountpool.Registration, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		n := maxSeen
		mu.Unlock()
		return &accountpool.Registration{
			Account: accountpool.Account{Email: fmt.Sprintf("bound-%d-%d@example.com", n, time.Now().UnixNano())},
		}, nil
	})

	cfg := testReplenisherConfig()
	cfg.MaxWorkers = 2
	r := accountpool.NewReplenisher(registrar, newMemorySink(), cfg)

	result := r.Run(context.Background(), 6)

	require.Equal(t, 6, result.Succeeded)
	assert.LessOrEqual(t, maxSeen, 2, "no more than MaxWorkers attempts should run at once")
}

func TestReplenisher_Run_DuplicateIsSuccess(t *testing.T) {
	registrar := accountpool.RegistrarFunc(func(ctx context.Context) (*accountpool.Registration, error) {
		return &accountpool.Registration{
			Account:      accountpool.Account{Email: "same@example.com"},
			RequestLimit: accountpool.QuotaTierStandard,
		}, nil
	})

	sink := newMemorySink()
	r := accountpool.NewReplenisher(registrar, sink, testReplenisherConfig())

	result := r.Run(context.Background(), 3)

	assert.Equal(t, 3, result.Succeeded, "a collision with an existing usable account is not a failure")
	assert.Zero(t, result.Failed)
	assert.Equal(t, 1, sink.len())
}

func TestReplenisher_Run_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := accountpool.NewReplenisher(countingRegistrar("cancelled"), newMemorySink(), testReplenisherConfig())

	result := r.Run(ctx, 3)
	assert.Zero(t, result.Succeeded)
	assert.Equal(t, 3, result.Failed, "submissions cancelled before launch count as failures")
	assert.Equal(t, 3, result.FailuresByStep[accountpool.StepUnknown])
}
