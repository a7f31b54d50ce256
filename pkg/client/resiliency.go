package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without sending when a peer has failed
// repeatedly and its breaker has not yet cooled down.
var ErrCircuitOpen = errors.New("client: circuit breaker open")

// RetryPolicy bounds retries of outbound posts. Only transport errors and
// 502/503/504 are retried; a peer that answered is never asked twice.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// BreakerThreshold consecutive failures open a peer's breaker for
	// BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultRetryPolicy keeps the total retry delay well inside the default
// signature TTL, so a retried request still carries a valid signature.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:       2,
		BaseDelay:        100 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  10 * time.Second,
	}
}

// WithRetryPolicy replaces the retry and breaker settings.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *SecureClient) { c.retry = p }
}

func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// do sends the request built by newReq with exponential backoff and jitter.
// newReq is called per attempt because a request body cannot be replayed.
func (c *SecureClient) do(ctx context.Context, target string, newReq func() (*http.Request, error)) (*http.Response, error) {
	cb := c.breakerFor(target)
	if !cb.allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, cb.name)
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		var req *http.Request
		if req, err = newReq(); err != nil {
			return nil, err
		}
		resp, err = c.httpClient.Do(req)
		if !retryable(resp, err) {
			cb.success()
			return resp, nil
		}
		if attempt >= c.retry.MaxRetries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}

		backoff := c.retry.BaseDelay << attempt
		if n, jerr := rand.Int(rand.Reader, big.NewInt(50)); jerr == nil {
			backoff += time.Duration(n.Int64()) * time.Millisecond
		}
		c.logger.Debug("retrying post", "url", target, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			cb.failure()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	cb.failure()
	return resp, err
}

func (c *SecureClient) breakerFor(target string) *circuitBreaker {
	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = &circuitBreaker{name: host, threshold: c.retry.BreakerThreshold, cooldown: c.retry.BreakerCooldown, state: stateClosed}
		c.breakers[host] = cb
	}
	return cb
}

const (
	stateClosed   = "CLOSED"
	stateOpen     = "OPEN"
	stateHalfOpen = "HALF_OPEN"
)

// circuitBreaker is a per-peer failure detector.
type circuitBreaker struct {
	mu          sync.Mutex
	name        string
	failures    int
	threshold   int
	lastFailure time.Time
	cooldown    time.Duration
	state       string
}

func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen {
		if time.Since(cb.lastFailure) > cb.cooldown {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *circuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == stateHalfOpen || (cb.threshold > 0 && cb.failures >= cb.threshold) {
		cb.state = stateOpen
	}
}
