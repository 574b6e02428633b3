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

package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"

	"github.com/courierhq/courier/config"
)

const (
	KeyHeader            = "X-Courier-Key"
	DispatchSecretHeader = "X-Dispatch-Secret"
	CallbackSecretHeader = "X-Callback-Secret"
)

// RateLimitMiddleware creates a middleware for rate limiting using Tollbooth
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	if conf.RateLimit.RequestsPerSecond == nil || conf.RateLimit.Burst == nil {
		// Rate limiting is disabled
		return func(c *gin.Context) {
			c.Next()
		}
	}

	rps := *conf.RateLimit.RequestsPerSecond
	burst := *conf.RateLimit.Burst
	ttl := time.Hour
	if conf.RateLimit.CleanupIntervalSec != nil {
		ttl = time.Duration(*conf.RateLimit.CleanupIntervalSec) * time.Second
	}

	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetBurst(burst)
	return func(c *gin.Context) {
		httpError := tollbooth.LimitByRequest(lmt, c.Writer, c.Request)
		if httpError != nil {
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware guards the operator routes with server.secret_key.
func SecretKeyAuthMiddleware() gin.HandlerFunc {
	return SharedSecret(KeyHeader, func(conf *config.Configuration) string { return conf.Server.SecretKey })
}

// DispatchSecret guards the scheduler trigger.
func DispatchSecret() gin.HandlerFunc {
	return SharedSecret(DispatchSecretHeader, func(conf *config.Configuration) string { return conf.Secrets.Dispatch })
}

// CallbackSecret guards the provider callback. It is a different secret from
// the dispatch one so a leaked provider credential cannot trigger sends.
func CallbackSecret() gin.HandlerFunc {
	return SharedSecret(CallbackSecretHeader, func(conf *config.Configuration) string { return conf.Secrets.Callback })
}

// SharedSecret compares header against the secret selected from the current
// configuration. An unconfigured secret fails closed with 500.
func SharedSecret(header string, secret func(*config.Configuration) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		conf, err := config.Fetch()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "secret is not configured"})
			return
		}
		expected := secret(conf)
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "secret is not configured"})
			return
		}

		provided := c.GetHeader(header)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + header})
			return
		}
		if !secureCompare(expected, provided) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid " + header})
			return
		}

		c.Next()
	}
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
