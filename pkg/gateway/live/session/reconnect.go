package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atelier-ai/atelier/pkg/upstream"
)

var (
	errSessionStopped = errors.New("live session stopped")
	errConnDropped    = errors.New("upstream connection dropped")
)

// redial restores a dropped upstream connection: wait one fixed delay, then
// dial exactly once. No further attempts are made; a second drop ends the
// session. The drop that got us here counts as the policy's first failure, so
// the constant backoff sleeps the delay before the single real dial, and the
// guard is re-checked after the delay so a session that ended while waiting
// does not reconnect. Dial failures are permanent.
func redial(ctx context.Context, dialer upstream.Dialer, cfg upstream.SessionConfig, delay time.Duration, stillRunning func() bool) (upstream.Conn, error) {
	if delay <= 0 {
		delay = 2 * time.Second
	}

	var conn upstream.Conn
	dropped := false
	op := func() error {
		if !dropped {
			dropped = true
			return errConnDropped
		}
		if !stillRunning() {
			return backoff.Permanent(errSessionStopped)
		}
		c, err := dialer.Dial(ctx, cfg)
		if err != nil {
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(delay), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return conn, nil
}
