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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/kassaflow/kassaflow/config"
)

func serve(handler gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler)
	r.Any("/*path", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSecretKeyAuthMiddleware(t *testing.T) {
	config.MockConfig(&config.Configuration{
		Server: config.ServerConfig{Secure: true, SecretKey: "master-key"},
	})

	tests := []struct {
		name         string
		key          string
		expectedCode int
		expectedErr  string
	}{
		{name: "valid key", key: "master-key", expectedCode: http.StatusOK},
		{name: "missing key", key: "", expectedCode: http.StatusUnauthorized, expectedErr: "X-Kassaflow-Key header is required"},
		{name: "wrong key", key: "guess", expectedCode: http.StatusUnauthorized, expectedErr: "operator key does not match"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sales", nil)
			if tt.key != "" {
				req.Header.Set(KeyHeader, tt.key)
			}
			w := serve(SecretKeyAuthMiddleware(), req)
			assert.Equal(t, tt.expectedCode, w.Code)
			if tt.expectedErr != "" {
				assert.JSONEq(t, `{"error":"`+tt.expectedErr+`"}`, w.Body.String())
			}
		})
	}
}

func TestSecretKeyAuthMiddleware_NotConfigured(t *testing.T) {
	config.MockConfig(&config.Configuration{Server: config.ServerConfig{Secure: true}})

	req := httptest.NewRequest(http.MethodGet, "/sales", nil)
	req.Header.Set(KeyHeader, "anything")
	w := serve(SecretKeyAuthMiddleware(), req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"operator key is not configured"}`, w.Body.String())
}

func TestWebhookSecretMiddleware(t *testing.T) {
	w := serve(WebhookSecretMiddleware("s3cret"), httptest.NewRequest(http.MethodPost, "/webhooks/tasks?uid=u1&secret=s3cret", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(WebhookSecretMiddleware("s3cret"), httptest.NewRequest(http.MethodPost, "/webhooks/tasks?uid=u1&secret=nope", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"webhook secret does not match"}`, w.Body.String())

	w = serve(WebhookSecretMiddleware(""), httptest.NewRequest(http.MethodPost, "/webhooks/tasks?uid=u1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	rps := 1.0
	burst := 1
	cleanup := 60
	conf := &config.Configuration{RateLimit: config.RateLimitConfig{
		RequestsPerSecond:  &rps,
		Burst:              &burst,
		CleanupIntervalSec: &cleanup,
	}}
	handler := RateLimitMiddleware(conf)

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/fiscal", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		return req
	}
	assert.Equal(t, http.StatusOK, serve(handler, newReq()).Code)
	w := serve(handler, newReq())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), throttledMessage)
}

func TestRateLimitMiddleware_DefaultExpiry(t *testing.T) {
	rps := 100.0
	burst := 10
	handler := RateLimitMiddleware(&config.Configuration{RateLimit: config.RateLimitConfig{
		RequestsPerSecond: &rps,
		Burst:             &burst,
	}})
	w := serve(handler, httptest.NewRequest(http.MethodPost, "/webhooks/tasks", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	handler := RateLimitMiddleware(&config.Configuration{})
	for i := 0; i < 5; i++ {
		w := serve(handler, httptest.NewRequest(http.MethodPost, "/webhooks/fiscal", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
