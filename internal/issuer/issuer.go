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

// Package issuer talks to the cloud fiscal-receipt service: it creates
// receipts and asks for their status. It never retries on its own.
package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/kassaflow/kassaflow/internal/cache"
	"github.com/kassaflow/kassaflow/internal/request"
	"github.com/kassaflow/kassaflow/model"
)

var (
	ErrAuthFailed  = errors.New("issuer: authentication failed")
	ErrUnreachable = errors.New("issuer: service unreachable")
	ErrMalformed   = errors.New("issuer: malformed response")
	ErrNotFound    = errors.New("issuer: receipt not found")
)

// RejectedError is a well-formed refusal from the issuer.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return "issuer: rejected: " + e.Message
}

const (
	authPath    = "/api/Authorization/CreateAuthToken"
	receiptPath = "/api/kkt/cloud/receipt"
	statusPath  = "/api/kkt/cloud/status"

	statusSuccess = "Success"

	// codeNotFound is returned by the status endpoint for unknown ids.
	codeNotFound = 1019

	defaultTokenTTL = 12 * time.Hour
	tokenSkew       = time.Minute
)

var tracer = otel.Tracer("Issuer")

type Config struct {
	BaseURL  string
	Login    string
	Password string
	// ViewBase is the public receipt viewer prefix used when a response
	// carries fiscal attributes but no URL.
	ViewBase string
	Timeout  time.Duration
}

// Ack is the issuer's answer to a create request.
type Ack struct {
	ReceiptID string
	InvoiceID string
}

// StatusQuery selects a receipt by issuer id or by our correlation id.
type StatusQuery struct {
	ReceiptID string
	InvoiceID string
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	shared     cache.Cache
	group      singleflight.Group
	now        func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

type cachedToken struct {
	Value   string    `json:"value"`
	Expires time.Time `json:"expires"`
}

// NewClient builds a client. shared may be nil; when set, the auth token is
// kept there so every process uses the same session.
func NewClient(cfg Config, shared cache.Cache) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		shared:     shared,
		now:        time.Now,
	}
}

type envelope struct {
	Status string          `json:"Status"`
	Data   json.RawMessage `json:"Data"`
	Error  *struct {
		Code    int    `json:"Code"`
		Message string `json:"Message"`
	} `json:"Error"`
}

func (c *Client) tokenKey() string {
	return "kassaflow:issuer:token:" + c.cfg.Login
}

// authToken returns a valid session token, authenticating at most once
// across concurrent callers.
func (c *Client) authToken(ctx context.Context) (string, error) {
	if tok, ok := c.localToken(); ok {
		return tok, nil
	}
	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		if tok, ok := c.localToken(); ok {
			return tok, nil
		}
		if c.shared != nil {
			var cached cachedToken
			if err := c.shared.Get(ctx, c.tokenKey(), &cached); err == nil && cached.Value != "" && c.now().Before(cached.Expires) {
				c.storeToken(cached)
				return cached.Value, nil
			}
		}
		fresh, err := c.authenticate(ctx)
		if err != nil {
			return "", err
		}
		c.storeToken(fresh)
		if c.shared != nil {
			ttl := fresh.Expires.Sub(c.now())
			if ttl > defaultTokenTTL {
				ttl = defaultTokenTTL
			}
			if err := c.shared.Set(ctx, c.tokenKey(), fresh, ttl); err != nil {
				logrus.WithError(err).Warn("failed to share issuer token")
			}
		}
		return fresh.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) localToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expires) {
		return c.token, true
	}
	return "", false
}

func (c *Client) storeToken(t cachedToken) {
	c.mu.Lock()
	c.token, c.expires = t.Value, t.Expires
	c.mu.Unlock()
}

func (c *Client) invalidate(ctx context.Context, token string) {
	c.mu.Lock()
	if c.token == token {
		c.token = ""
		c.expires = time.Time{}
	}
	c.mu.Unlock()
	if c.shared != nil {
		if err := c.shared.Delete(ctx, c.tokenKey()); err != nil {
			logrus.WithError(err).Warn("failed to drop shared issuer token")
		}
	}
}

func (c *Client) authenticate(ctx context.Context) (cachedToken, error) {
	body := map[string]string{"Login": c.cfg.Login, "Password": c.cfg.Password}
	data, err := c.post(ctx, c.cfg.BaseURL+authPath, body)
	if err != nil {
		return cachedToken{}, err
	}
	var resp struct {
		AuthToken         string `json:"AuthToken"`
		ExpirationDateUtc string `json:"ExpirationDateUtc"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.AuthToken == "" {
		return cachedToken{}, ErrAuthFailed
	}
	expires := c.now().Add(defaultTokenTTL)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, resp.ExpirationDateUtc); err == nil {
			expires = t
			break
		}
	}
	return cachedToken{Value: resp.AuthToken, Expires: expires.Add(-tokenSkew)}, nil
}

// post sends payload and returns the Data member of a successful envelope.
func (c *Client) post(ctx context.Context, endpoint string, payload interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := request.NewJSONRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}
	body, err := request.Do(c.httpClient, req)
	if err != nil {
		var status *request.StatusError
		if errors.As(err, &status) {
			switch {
			case status.StatusCode == http.StatusUnauthorized || status.StatusCode == http.StatusForbidden:
				return nil, ErrAuthFailed
			case status.Temporary():
				return nil, pkgerrors.Wrap(ErrUnreachable, status.Error())
			}
			if env, ok := decodeEnvelope(body); ok && env.Error != nil {
				return nil, rejection(env)
			}
			return nil, pkgerrors.Wrap(ErrMalformed, status.Error())
		}
		return nil, pkgerrors.Wrap(ErrUnreachable, err.Error())
	}

	env, ok := decodeEnvelope(body)
	if !ok {
		return nil, ErrMalformed
	}
	if !strings.EqualFold(env.Status, statusSuccess) {
		return nil, rejection(env)
	}
	return env.Data, nil
}

func decodeEnvelope(body []byte) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Status == "" {
		return env, false
	}
	return env, true
}

func rejection(env envelope) error {
	if env.Error == nil {
		return &RejectedError{Message: env.Status}
	}
	if env.Error.Code == codeNotFound {
		return ErrNotFound
	}
	return &RejectedError{Code: env.Error.Code, Message: env.Error.Message}
}

// authorized runs an authenticated call. A 401 drops the cached token so the
// next call signs in again.
func (c *Client) authorized(ctx context.Context, path string, payload interface{}) (json.RawMessage, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return nil, err
	}
	data, err := c.post(ctx, c.cfg.BaseURL+path+"?AuthToken="+url.QueryEscape(token), payload)
	if errors.Is(err, ErrAuthFailed) {
		c.invalidate(ctx, token)
	}
	return data, err
}

// CreateReceipt submits a receipt document.
func (c *Client) CreateReceipt(ctx context.Context, payload model.FiscalReceiptPayload) (*Ack, error) {
	ctx, span := tracer.Start(ctx, "CreateReceipt")
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", payload.Request.InvoiceID))

	data, err := c.authorized(ctx, receiptPath, payload)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	// A bare "accepted" reply carries no receipt id; the caller looks it
	// up later by invoice id.
	var resp struct {
		ReceiptID string `json:"ReceiptId"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			span.RecordError(ErrMalformed)
			return nil, ErrMalformed
		}
	}
	return &Ack{ReceiptID: resp.ReceiptID, InvoiceID: payload.Request.InvoiceID}, nil
}

// ReceiptStatus asks for a receipt by issuer id, or by invoice id when no
// issuer id is known. An unknown receipt yields ErrNotFound.
func (c *Client) ReceiptStatus(ctx context.Context, q StatusQuery) (*model.ReceiptEvidence, error) {
	ctx, span := tracer.Start(ctx, "ReceiptStatus")
	defer span.End()

	inner := map[string]string{}
	switch {
	case q.ReceiptID != "":
		inner["ReceiptId"] = q.ReceiptID
	case q.InvoiceID != "":
		inner["InvoiceId"] = q.InvoiceID
	default:
		return nil, pkgerrors.New("issuer: status query needs a receipt or invoice id")
	}
	span.SetAttributes(attribute.String("receipt.id", q.ReceiptID), attribute.String("invoice.id", q.InvoiceID))

	data, err := c.authorized(ctx, statusPath, map[string]interface{}{"Request": inner})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, ErrNotFound
	}
	ev, err := ParseStatus(data, c.cfg.ViewBase)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if ev.InvoiceID == "" {
		ev.InvoiceID = q.InvoiceID
	}
	if ev.ReceiptID == "" {
		ev.ReceiptID = q.ReceiptID
	}
	return ev, nil
}
