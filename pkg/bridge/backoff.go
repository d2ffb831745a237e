// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// backoffPolicy retries an operation with exponentially growing delays.
// After each failure it sleeps the current delay and multiplies it; once
// the next delay would exceed Cap, the operation is abandoned and the last
// error is returned. With Initial=2s and Cap=8s that means at most three
// attempts, 14 seconds of waiting total.
type backoffPolicy struct {
	Initial    time.Duration
	Cap        time.Duration
	Multiplier int

	// sleep is replaceable in tests. nil means real sleeping.
	sleep func(ctx context.Context, d time.Duration) error
}

// permanentError wraps a failure that must not be retried.
type permanentError struct {
	err error
}

// Permanent marks an error as fatal for backoffPolicy.Retry: the retry
// loop stops immediately and returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Retry runs op until it succeeds, returns a permanent error, the delay
// budget runs out, or the context is cancelled.
func (p backoffPolicy) Retry(ctx context.Context, log *zerolog.Logger, op func(context.Context) error) error {
	multiplier := time.Duration(p.Multiplier)
	if multiplier <= 0 {
		multiplier = 2
	}
	wait := p.sleep
	if wait == nil {
		wait = sleepContext
	}
	delay := p.Initial
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		log.Warn().Err(err).Dur("delay", delay).Msg("Operation failed, retrying")
		if sleepErr := wait(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		delay *= multiplier
		if delay > p.Cap {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
