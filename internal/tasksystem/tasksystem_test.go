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

package tasksystem

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(Config{BaseURL: "https://tasks.test/api/", Token: "t0ken", Timeout: time.Second})
	httpmock.ActivateNonDefault(c.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestGetTask(t *testing.T) {
	c := newTestClient(t)
	inn := gofakeit.DigitN(12)
	httpmock.RegisterResponder("GET", "https://tasks.test/api/tasks/42", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer t0ken", req.Header.Get("Authorization"))
		return httpmock.NewStringResponse(200, `{"task":{
			"id": 42,
			"status": "completed",
			"acquiring_order": {"status": "transfered"},
			"created_at": "2024-03-01T10:00:00Z",
			"receipt_uri": "https://npd.test/r/1",
			"executor": {"inn": "`+inn+`", "last_name": "Ivanova", "first_name": "Anna"}
		}}`), nil
	})

	task, err := c.GetTask(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "42", task.ID)
	assert.Equal(t, "transfered", task.Status)
	assert.Equal(t, "completed", task.RootStatus)
	assert.Equal(t, inn, task.PayeeInn)
	assert.Equal(t, "Ivanova Anna", task.PayeeName)
	assert.Equal(t, "https://npd.test/r/1", task.NpdReceiptURI)
	require.NotNil(t, task.CreatedAt)
	assert.Equal(t, 2024, task.CreatedAt.Year())
}

func TestLookupPayee(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", "https://tasks.test/api/tasks/1",
		httpmock.NewStringResponder(200, `{"id":"1","executor":{"inn":"500100732259","full_name":"Petrov P."}}`))
	httpmock.RegisterResponder("GET", "https://tasks.test/api/tasks/2",
		httpmock.NewStringResponder(200, `{"id":"2","executor":{}}`))

	inn, name, err := c.LookupPayee(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "500100732259", inn)
	assert.Equal(t, "Petrov P.", name)

	_, _, err = c.LookupPayee(context.Background(), "2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTaskErrors(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder("GET", "https://tasks.test/api/tasks/404", httpmock.NewStringResponder(404, `{}`))
	httpmock.RegisterResponder("GET", "https://tasks.test/api/tasks/500", httpmock.NewStringResponder(502, `bad gateway`))
	httpmock.RegisterResponder("GET", "https://tasks.test/api/tasks/net", httpmock.NewErrorResponder(errors.New("dial tcp: timeout")))
	httpmock.RegisterResponder("GET", "https://tasks.test/api/tasks/bad", httpmock.NewStringResponder(200, `[]`))

	_, err := c.GetTask(context.Background(), "404")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.GetTask(context.Background(), "500")
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = c.GetTask(context.Background(), "net")
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = c.GetTask(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Notification
	}{
		{
			name: "nested object",
			body: `{"subscription":"tasks","event":"task.paid","object":{"id":77,"status":"completed","acquiring_order":{"status":"paid"}}}`,
			want: Notification{Subscription: "tasks", Event: "task.paid", TaskID: "77", Status: "paid", RootStatus: "completed"},
		},
		{
			name: "data wrapper with task",
			body: `{"subscription":"tasks","event":"task.updated","data":{"task":{"id":"78","status":"in_progress","acquiring_order":{"status":"captured"},"receipt_uri":"https://npd.test/r/9"}}}`,
			want: Notification{Subscription: "tasks", Event: "task.updated", TaskID: "78", Status: "captured", RootStatus: "in_progress", NpdReceiptURI: "https://npd.test/r/9"},
		},
		{
			name: "flat",
			body: `{"event":"task.paid","task_id":"79","payment_status":"success"}`,
			want: Notification{Subscription: "tasks", Event: "task.paid", TaskID: "79", Status: "success"},
		},
		{
			name: "executor",
			body: `{"subscription":"executors","event":"executor.updated","object":{"inn":"500100732259","full_name":"Petrov P."}}`,
			want: Notification{Subscription: "executors", Event: "executor.updated", PayeeInn: "500100732259", PayeeName: "Petrov P."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotification([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParseNotificationMalformed(t *testing.T) {
	_, err := ParseNotification([]byte(`{"subscription":"tasks","event":"task.paid"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseNotification([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseNotificationSaleAttributes(t *testing.T) {
	body := `{"subscription":"tasks","event":"task.created","object":{
		"id":"t-5","order_id":"ORD-000123","amount":"1500.50","title":"Logo design",
		"end_date":"2024-05-02","customer":{"email":"buyer@example.com"},
		"created_at":"2024-04-30T09:00:00Z","executor":{"inn":"500100732259"}}}`

	n, err := ParseNotification([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "t-5", n.TaskID)
	assert.Equal(t, "ORD-000123", n.OrderRef)
	assert.Equal(t, "1500.50", n.Amount)
	assert.Equal(t, "Logo design", n.Description)
	assert.Equal(t, "2024-05-02", n.ServiceEndDate)
	assert.Equal(t, "buyer@example.com", n.BuyerEmail)
	assert.Equal(t, "2024-04-30T09:00:00Z", n.CreatedAt)
	assert.Equal(t, "500100732259", n.PayeeInn)
}
