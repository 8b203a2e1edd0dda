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

// Package tasksystem is a small client for the task processing system that
// owns tasks, their payment status and the executors who perform them.
package tasksystem

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kassaflow/kassaflow/internal/request"
)

var (
	ErrNotFound    = errors.New("tasksystem: not found")
	ErrUnreachable = errors.New("tasksystem: service unreachable")
	ErrMalformed   = errors.New("tasksystem: malformed payload")
)

var tracer = otel.Tracer("TaskSystem")

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Task is the subset of a task the engine cares about. Empty strings mean
// the field was absent.
type Task struct {
	ID            string
	Status        string
	RootStatus    string
	PayeeInn      string
	PayeeName     string
	NpdReceiptURI string
	CreatedAt     *time.Time
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := request.NewJSONRequest(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	body, err := request.Do(c.httpClient, req)
	if err != nil {
		var status *request.StatusError
		if errors.As(err, &status) {
			switch {
			case status.StatusCode == http.StatusNotFound:
				return nil, ErrNotFound
			case status.Temporary():
				return nil, pkgerrors.Wrap(ErrUnreachable, status.Error())
			}
			return nil, pkgerrors.Wrap(err, "tasksystem: request refused")
		}
		return nil, pkgerrors.Wrap(ErrUnreachable, err.Error())
	}
	return body, nil
}

// GetTask loads one task by its id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	ctx, span := tracer.Start(ctx, "GetTask")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	body, err := c.get(ctx, "/tasks/"+url.PathEscape(taskID))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	doc, ok := parseObject(body)
	if !ok {
		return nil, ErrMalformed
	}
	// Some deployments wrap the task in "task" or "data".
	for _, wrapper := range []string{"task", "data"} {
		if sub := doc.Get(wrapper); sub.IsObject() {
			doc = sub
			break
		}
	}

	task := decodeTask(doc)
	if task.ID == "" {
		task.ID = taskID
	}
	return task, nil
}

// LookupPayee returns the executor tax id and display name of a task.
func (c *Client) LookupPayee(ctx context.Context, taskID string) (inn, name string, err error) {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return "", "", err
	}
	if task.PayeeInn == "" {
		return "", "", ErrNotFound
	}
	return task.PayeeInn, task.PayeeName, nil
}

var (
	taskIDPaths     = []string{"id", "task_id"}
	taskStatusPaths = []string{
		"acquiring_order.status",
		"payment.status",
		"order.status",
		"payment_status",
	}
	taskRootPaths  = []string{"status", "state"}
	payeeInnPaths  = []string{"executor.inn", "performer.inn", "contractor.inn", "inn"}
	payeeNamePaths = []string{"executor.full_name", "executor.name", "performer.full_name", "contractor.name"}
	npdPaths       = []string{"receipt_uri", "npd_receipt_uri", "executor.receipt_uri", "receipt.uri"}
	createdPaths   = []string{"created_at", "createdAt"}
)

func decodeTask(doc gjson.Result) *Task {
	t := &Task{
		ID:            firstString(doc, taskIDPaths...),
		Status:        firstString(doc, taskStatusPaths...),
		RootStatus:    firstString(doc, taskRootPaths...),
		PayeeInn:      firstString(doc, payeeInnPaths...),
		PayeeName:     firstString(doc, payeeNamePaths...),
		NpdReceiptURI: firstString(doc, npdPaths...),
	}
	if t.PayeeName == "" {
		t.PayeeName = joinName(doc, "executor")
	}
	if raw := firstString(doc, createdPaths...); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			t.CreatedAt = &ts
		}
	}
	return t
}

func joinName(doc gjson.Result, prefix string) string {
	var parts []string
	for _, field := range []string{"last_name", "first_name", "second_name"} {
		if v := firstString(doc, prefix+"."+field); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}
