package scrapingbee

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffPolicy computes jittered exponential delays between attempts.
type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay: 250 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
}

// Delay returns the wait duration before the given retry (1-based).
// Half the exponential delay is fixed, the other half random, so
// concurrent workers retrying the same outage spread out.
func (p BackoffPolicy) Delay(retry int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(retry-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
