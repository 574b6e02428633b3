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
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/courierhq/courier/internal/request"
)

// Provider error codes. Codes not listed in terminalCodes are retryable.
const (
	CodeInvalidDestination = "INVALID_DESTINATION"
	CodeInvalidNumber      = "INVALID_NUMBER"
	CodeContentRejected    = "CONTENT_REJECTED"
	CodePolicyRejected     = "POLICY_REJECTED"
	CodeBlacklisted        = "BLACKLISTED"
	CodeUnsubscribed       = "UNSUBSCRIBED"
	CodeUnsupported        = "UNSUPPORTED_CHANNEL"

	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	CodeThrottled     = "THROTTLED"
	CodeTimeout       = "TIMEOUT"
	CodeUnavailable   = "UNAVAILABLE"
	CodeUnknown       = "UNKNOWN"
)

var terminalCodes = map[string]bool{
	CodeInvalidDestination: true,
	CodeInvalidNumber:      true,
	CodeContentRejected:    true,
	CodePolicyRejected:     true,
	CodeBlacklisted:        true,
	CodeUnsubscribed:       true,
	CodeUnsupported:        true,
}

// IsTerminal reports whether retrying a send that failed with code can never succeed.
func IsTerminal(code string) bool {
	return terminalCodes[strings.ToUpper(code)]
}

// Result is the outcome of one Adapter.Send. Failures are values, not errors.
type Result struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	Retryable         bool   `json:"retryable"`
}

// Error formats a failed result for persistence.
func (r Result) Error() string {
	if r.Success {
		return ""
	}
	if r.ErrorMessage == "" {
		return r.ErrorCode
	}
	return fmt.Sprintf("%s: %s", r.ErrorCode, r.ErrorMessage)
}

func success(id string) Result {
	return Result{Success: true, ProviderMessageID: id}
}

func failure(err error) Result {
	se := classify(err)
	return Result{ErrorCode: se.Code, ErrorMessage: se.Message, Retryable: se.Retryable}
}

// SendError is a classified provider failure.
type SendError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *SendError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// NewSendError classifies code by the provider error taxonomy.
func NewSendError(code, message string) *SendError {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		code = CodeUnknown
	}
	return &SendError{Code: code, Message: message, Retryable: !IsTerminal(code)}
}

type errorBody struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Description  string `json:"description"`
}

// classify turns any send error into a SendError.
func classify(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}

	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		var body errorBody
		if json.Unmarshal([]byte(statusErr.Body), &body) == nil && body.ErrorCode != "" {
			msg := body.ErrorMessage
			if msg == "" {
				msg = body.Description
			}
			return NewSendError(body.ErrorCode, msg)
		}
		return classifyStatus(statusErr.StatusCode, statusErr.Body)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &SendError{Code: CodeTimeout, Message: err.Error(), Retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &SendError{Code: CodeTimeout, Message: err.Error(), Retryable: true}
	}
	return &SendError{Code: CodeUnavailable, Message: err.Error(), Retryable: true}
}

func classifyStatus(status int, body string) *SendError {
	msg := fmt.Sprintf("http %d", status)
	if body != "" {
		msg = fmt.Sprintf("%s: %s", msg, body)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &SendError{Code: CodeThrottled, Message: msg, Retryable: true}
	case status == http.StatusRequestTimeout:
		return &SendError{Code: CodeTimeout, Message: msg, Retryable: true}
	case status >= 500:
		return &SendError{Code: CodeUnavailable, Message: msg, Retryable: true}
	case status == http.StatusForbidden:
		return &SendError{Code: CodePolicyRejected, Message: msg}
	case status >= 400:
		return &SendError{Code: CodeContentRejected, Message: msg}
	}
	return &SendError{Code: CodeUnknown, Message: msg, Retryable: true}
}
