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

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/courierhq/courier"
	model2 "github.com/courierhq/courier/api/model"
)

// Dispatch runs one batch and answers with its summary. With ?async=true the
// run is handed to the workers through the dispatch queue instead.
func (a Api) Dispatch(c *gin.Context) {
	var body model2.Dispatch
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
			return
		}
	}
	if err := body.ValidateDispatch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if c.Query("async") == "true" {
		q := a.courier.Queue()
		if q == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "async dispatch needs redis to be configured"})
			return
		}
		payload := courier.DispatchTaskPayload(body)
		if err := q.EnqueueDispatch(c.Request.Context(), payload); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
		return
	}

	summary, err := a.courier.Dispatch(c.Request.Context(), body.ToDispatchRequest())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": summary})
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (a Api) DeliveryCallback(c *gin.Context) {
	var body model2.DeliveryCallback
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := body.ValidateDeliveryCallback(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.courier.ApplyCallback(c.Request.Context(), body.ToDeliveryCallback())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) Health(c *gin.Context) {
	resp, err := a.courier.Health(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) RateLimit(c *gin.Context) {
	resp, err := a.courier.RateLimitStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
