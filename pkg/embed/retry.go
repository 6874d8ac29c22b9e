// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package embed

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kraklabs/kie/pkg/model"
)

// RetryConfig controls the exponential-backoff-with-full-jitter retry loop
// used for every encoder HTTP call.
type RetryConfig struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
}

// DefaultRetryConfig is the encoder retry policy: one initial attempt plus
// three retries, exponential backoff, jittered.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 4,
	Base:        200 * time.Millisecond,
	Multiplier:  2.0,
	Cap:         5 * time.Second,
}

func withRetry(ctx context.Context, fn func() ([][]float32, int, error)) ([][]float32, int, error) {
	cfg := DefaultRetryConfig
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		vectors, dim, err := fn()
		if err == nil {
			return vectors, dim, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return nil, 0, err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		sleep := backoffWithJitter(cfg, attempt)
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, 0, lastErr
}

func withRetrySparse(ctx context.Context, fn func() ([]model.SparseVector, error)) ([]model.SparseVector, int, error) {
	cfg := DefaultRetryConfig
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		vectors, err := fn()
		if err == nil {
			return vectors, 0, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return nil, 0, err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		sleep := backoffWithJitter(cfg, attempt)
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, 0, lastErr
}

// isRetryableError classifies network timeouts, connection errors, and HTTP
// 429/5xx responses as retryable, using error-text
// classification approach (it has no structured error type to switch on
// across provider implementations).
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "temporarily unavailable", "connection refused", "connection reset", "deadline exceeded", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range []string{" 429", " 500", " 502", " 503", " 504"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func backoffWithJitter(cfg RetryConfig, attempt int) time.Duration {
	exp := float64(cfg.Base)
	for i := 0; i < attempt; i++ {
		exp *= cfg.Multiplier
	}
	d := time.Duration(exp)
	if d > cfg.Cap {
		d = cfg.Cap
	}
	if d <= 0 {
		return cfg.Base
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

// httpStatusError formats a response status as an error message that
// isRetryableError's substring match can classify.
func httpStatusError(resp *http.Response) error {
	return errors.New(resp.Status)
}
