// Copyright 2025 The Kestrel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient provides shared error classification for HTTP-backed
// collaborators (LLM providers, remote tool back-ends).
package httpclient

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RetryableError represents a transient failure that can be retried,
// optionally after a provider-specified delay.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // How long to wait before retrying
	Err        error
}

// Error implements the error interface
func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is retryable
func (e *RetryableError) IsRetryable() bool {
	return true
}

// retryablePatterns are substrings that mark an otherwise untyped error as
// transient. Providers that return typed errors should wrap them in
// RetryableError instead of relying on this list.
var retryablePatterns = []string{
	"429",
	"500",
	"502",
	"503",
	"504",
	"rate limit",
	"rate_limit",
	"timeout",
	"connection reset",
	"temporarily unavailable",
}

// IsTransient reports whether err looks like a transient failure worth
// retrying. Typed RetryableErrors always qualify; for anything else the
// error text is matched against known transient patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
