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
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/courierhq/courier/internal/request"
)

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "+84 901 234 567", want: "+84901234567"},
		{raw: "0901234567", want: "+84901234567"},
		{raw: "901234567", want: "+84901234567"},
		{raw: "84901234567", want: "+84901234567"},
		{raw: "0084-901-234-567", want: "+84901234567"},
		{raw: "(090) 123.4567", want: "+84901234567"},
		{raw: "+1 650 253 0000", want: "+16502530000"},
		{raw: "12345", wantErr: true},
		{raw: "1234567890", wantErr: true},
		{raw: "+84 12345678", wantErr: true},
		{raw: "", wantErr: true},
		{raw: "+0123456789", wantErr: true},
		{raw: "+8490123456789012", wantErr: true},
		{raw: "call me", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := CanonicalPhone(tt.raw, "+84")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalPhoneUnknownCountryCode(t *testing.T) {
	got, err := CanonicalPhone("+84 901 234 567", "")
	assert.NoError(t, err)
	assert.Equal(t, "+84901234567", got)

	_, err = CanonicalPhone("0901234567", "")
	assert.Error(t, err, "a national number needs a default region")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"throttled", &request.StatusError{StatusCode: http.StatusTooManyRequests}, CodeThrottled, true},
		{"request timeout", &request.StatusError{StatusCode: http.StatusRequestTimeout}, CodeTimeout, true},
		{"server error", &request.StatusError{StatusCode: http.StatusInternalServerError}, CodeUnavailable, true},
		{"bad request", &request.StatusError{StatusCode: http.StatusBadRequest}, CodeContentRejected, false},
		{"coded body", &request.StatusError{StatusCode: http.StatusBadRequest, Body: `{"error_code":"quota_exceeded"}`}, CodeQuotaExceeded, true},
		{"blacklisted", NewSendError("BLACKLISTED", ""), CodeBlacklisted, false},
		{"network", errors.New("dial tcp: connection refused"), CodeUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := classify(tt.err)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.retryable, se.Retryable)
		})
	}
}
