package pool

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayGrowsExponentiallyAndCaps(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	policy := RetryPolicy{BackoffBase: 100 * time.Millisecond, BackoffCap: 450 * time.Millisecond}

	first := backoffDelay(policy, 1, rnd)
	second := backoffDelay(policy, 2, rnd)
	third := backoffDelay(policy, 3, rnd)
	capped := backoffDelay(policy, 10, rnd)

	assert.InDelta(t, 100*time.Millisecond, first, float64(15*time.Millisecond))
	assert.InDelta(t, 200*time.Millisecond, second, float64(25*time.Millisecond))
	assert.InDelta(t, 400*time.Millisecond, third, float64(45*time.Millisecond))
	assert.LessOrEqual(t, capped, policy.BackoffCap)
}

func TestBackoffDelayZeroBase(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	delay := backoffDelay(RetryPolicy{}, 1, rnd)
	assert.Equal(t, time.Duration(0), delay)
}

func TestRestartBreakerTripsAfterMaxRestarts(t *testing.T) {
	breaker := newRestartBreaker(3, time.Minute)

	assert.False(t, breaker.RecordRestart("worker-1"))
	assert.False(t, breaker.RecordRestart("worker-1"))
	assert.True(t, breaker.RecordRestart("worker-1"))
}

func TestRestartBreakerIsolatesByWorker(t *testing.T) {
	breaker := newRestartBreaker(1, time.Minute)

	assert.True(t, breaker.RecordRestart("worker-a"))
	assert.True(t, breaker.RecordRestart("worker-b")) // independent counter, trips on its own first restart
}

func TestRestartBreakerWindowExpires(t *testing.T) {
	breaker := newRestartBreaker(2, 10*time.Millisecond)

	assert.False(t, breaker.RecordRestart("worker-1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, breaker.RecordRestart("worker-1"))
}

func TestRestartBreakerForget(t *testing.T) {
	breaker := newRestartBreaker(1, time.Minute)

	assert.True(t, breaker.RecordRestart("worker-1"))
	breaker.Forget("worker-1")
	assert.True(t, breaker.RecordRestart("worker-1"))
}
