/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kassaflow

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kassaflow/kassaflow/internal/issuer"
	"github.com/kassaflow/kassaflow/internal/tasksystem"
)

// retryPolicy bounds how a worker retries transient external failures.
type retryPolicy struct {
	newBackOff func() backoff.BackOff
	maxRetries uint64
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 300 * time.Millisecond
			b.MaxInterval = 3 * time.Second
			b.MaxElapsedTime = 15 * time.Second
			return b
		},
		maxRetries: 3,
	}
}

// transient reports whether err may clear up on its own.
func transient(err error) bool {
	return errors.Is(err, issuer.ErrUnreachable) ||
		errors.Is(err, tasksystem.ErrUnreachable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs op until it succeeds, fails permanently, or the policy is
// exhausted. Only transient errors are retried.
func (k *Kassaflow) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(k.retry.newBackOff(), k.retry.maxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// poll runs op every interval, at most attempts times, until it returns nil
// or a non-retryable error. ErrReceiptPending and transient errors retry.
func poll(ctx context.Context, interval time.Duration, attempts int, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, ErrReceiptPending) && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
