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

package apierror_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/courierhq/courier/internal/apierror"
)

func TestNewAPIError(t *testing.T) {
	apiErr := apierror.NewAPIError(apierror.ErrInternalServer, "failed to store message", "pq: connection reset")

	assert.Equal(t, apierror.ErrInternalServer, apiErr.Code)
	assert.Equal(t, "failed to store message", apiErr.Message)
	assert.Equal(t, "pq: connection reset", apiErr.Details)
	assert.Equal(t, "INTERNAL_SERVER_ERROR: failed to store message", apiErr.Error())
}

func TestHasCode(t *testing.T) {
	err := apierror.NewAPIError(apierror.ErrTemplateNotFound, "template not found", nil)
	wrapped := fmt.Errorf("enqueue: %w", err)

	assert.True(t, apierror.HasCode(err, apierror.ErrTemplateNotFound))
	assert.True(t, apierror.HasCode(wrapped, apierror.ErrTemplateNotFound))
	assert.False(t, apierror.HasCode(wrapped, apierror.ErrNotFound))
	assert.False(t, apierror.HasCode(errors.New("plain"), apierror.ErrNotFound))
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	codes := map[apierror.ErrorCode]int{
		apierror.ErrNotFound:         http.StatusNotFound,
		apierror.ErrTemplateNotFound: http.StatusNotFound,
		apierror.ErrMissingRecipient: http.StatusUnprocessableEntity,
		apierror.ErrConflict:         http.StatusConflict,
		apierror.ErrInvalidInput:     http.StatusBadRequest,
		apierror.ErrBadRequest:       http.StatusBadRequest,
		apierror.ErrUnauthorized:     http.StatusUnauthorized,
		apierror.ErrInternalServer:   http.StatusInternalServerError,
		apierror.ErrorCode("PIGEON"): http.StatusInternalServerError,
	}
	for code, status := range codes {
		t.Run(string(code), func(t *testing.T) {
			err := fmt.Errorf("dispatch: %w", apierror.NewAPIError(code, "message_id msg_1", nil))
			assert.Equal(t, status, apierror.MapErrorToHTTPStatus(err))
		})
	}

	assert.Equal(t, http.StatusInternalServerError, apierror.MapErrorToHTTPStatus(errors.New("provider exploded")))
}
