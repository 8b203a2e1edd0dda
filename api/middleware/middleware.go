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

	"github.com/kassaflow/kassaflow/config"
)

// KeyHeader carries the operator key on sales and admin requests.
const KeyHeader = "X-Kassaflow-Key"

const throttledMessage = "too many webhook deliveries, slow down"

// RateLimitMiddleware throttles webhook deliveries per client address.
// Without a configured rate and burst every request passes.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	rl := conf.RateLimit
	if rl.RequestsPerSecond == nil || rl.Burst == nil {
		return func(c *gin.Context) { c.Next() }
	}

	expiry := time.Minute
	if rl.CleanupIntervalSec != nil && *rl.CleanupIntervalSec > 0 {
		expiry = time.Duration(*rl.CleanupIntervalSec) * time.Second
	}
	lmt := tollbooth.NewLimiter(*rl.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: expiry})
	lmt.SetBurst(*rl.Burst)
	lmt.SetMessage(throttledMessage)

	return func(c *gin.Context) {
		if limitErr := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); limitErr != nil {
			c.AbortWithStatusJSON(limitErr.StatusCode, gin.H{"error": limitErr.Message})
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware admits a request only when KeyHeader matches the
// operator key in the server config. A server marked secure without a key
// refuses everything.
func SecretKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		conf, err := config.Fetch()
		if err != nil || conf.Server.SecretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "operator key is not configured"})
			return
		}

		switch key := c.GetHeader(KeyHeader); {
		case key == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": KeyHeader + " header is required"})
		case !secureCompare(conf.Server.SecretKey, key):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator key does not match"})
		default:
			c.Next()
		}
	}
}

// WebhookSecretMiddleware checks the shared secret carried in the
// callback URL query. It is a no-op when no secret is configured.
func WebhookSecretMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		if !secureCompare(secret, c.Query("secret")) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "webhook secret does not match"})
			return
		}
		c.Next()
	}
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
