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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/courierhq/courier"
	"github.com/courierhq/courier/api/middleware"
	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/internal/apierror"
)

type Api struct {
	courier *courier.Courier
	conf    *config.Configuration
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	operator := router.Group("/")
	if a.conf.Server.Secure {
		operator.Use(middleware.SecretKeyAuthMiddleware())
	}
	operator.POST("/messages", a.EnqueueMessage)
	operator.GET("/messages", a.ListMessages)
	operator.GET("/messages/:id", a.GetMessage)
	operator.GET("/health", a.Health)
	operator.GET("/rate-limit", a.RateLimit)

	router.POST("/dispatch", middleware.DispatchSecret(), a.Dispatch)
	router.POST("/callbacks/delivery", middleware.CallbackSecret(), a.DeliveryCallback)
	return a.router
}

func NewAPI(c *courier.Courier) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf := c.Config()

	r := gin.Default()
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{courier: c, conf: conf, router: r}
}

// respondError writes err as {"error": ...} with the status its code maps to.
func respondError(c *gin.Context, err error) {
	var apiErr apierror.APIError
	if !errors.As(err, &apiErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	body := gin.H{"error": apiErr.Message, "code": apiErr.Code}
	if apiErr.Code != apierror.ErrInternalServer && apiErr.Details != nil {
		body["details"] = apiErr.Details
	}
	c.JSON(apierror.MapErrorToHTTPStatus(err), body)
}
