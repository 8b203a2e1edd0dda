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
	"strings"

	"github.com/tidwall/gjson"
)

// Notification subscriptions.
const (
	SubscriptionTasks     = "tasks"
	SubscriptionExecutors = "executors"
)

// Notification is a decoded task-system webhook. Fields the sender left out
// stay empty.
type Notification struct {
	Subscription  string
	Event         string
	TaskID        string
	Status        string
	RootStatus    string
	NpdReceiptURI string
	PayeeInn      string
	PayeeName     string

	// Sale attributes, present on task creation events.
	OrderRef       string
	Amount         string
	Description    string
	ServiceEndDate string
	BuyerEmail     string
	CreatedAt      string
}

// objectRoots are the members a notification may nest its object under.
var objectRoots = []string{"object", "data", "task", "payload"}

func under(fields ...string) []string {
	var out []string
	for _, root := range objectRoots {
		for _, f := range fields {
			out = append(out, root+"."+f)
		}
	}
	return append(out, fields...)
}

var (
	noteTaskIDPaths = under("task_id", "task.id", "id")
	noteStatusPaths = under(
		"acquiring_order.status",
		"task.acquiring_order.status",
		"payment.status",
		"order.status",
		"payment_status",
	)
	noteRootPaths    = under("task.status", "status")
	noteNpdPaths     = under("receipt_uri", "npd_receipt_uri", "executor.receipt_uri", "task.receipt_uri")
	noteInnPaths     = under("executor.inn", "inn")
	noteNamePaths    = under("executor.full_name", "full_name")
	noteOrderPaths   = under("order_id", "acquiring_order.order_id", "task.order_id", "number")
	noteAmountPaths  = under("amount", "price", "task.amount", "acquiring_order.amount")
	noteDescPaths    = under("title", "description", "task.title", "services.0.title")
	noteEndPaths     = under("service_end_date", "end_date", "deadline", "task.end_date")
	noteEmailPaths   = under("customer.email", "buyer_email", "client.email")
	noteCreatedPaths = under("created_at", "task.created_at")
	subscriptionAt   = []string{"subscription", "type"}
	eventAt          = []string{"event", "event_name"}
)

// firstString returns the first path holding a non-empty string, a number
// or a bool. Numbers keep their raw text.
func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		r := doc.Get(p)
		switch r.Type {
		case gjson.String:
			if s := strings.TrimSpace(r.Str); s != "" {
				return s
			}
		case gjson.Number, gjson.True, gjson.False:
			return r.Raw
		}
	}
	return ""
}

// parseObject accepts only a well-formed JSON object.
func parseObject(body []byte) (gjson.Result, bool) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, false
	}
	doc := gjson.ParseBytes(body)
	return doc, doc.IsObject()
}

// ParseNotification decodes a webhook body by trying the paths each field
// has been seen at.
func ParseNotification(body []byte) (*Notification, error) {
	doc, ok := parseObject(body)
	if !ok {
		return nil, ErrMalformed
	}
	n := &Notification{
		Subscription:   firstString(doc, subscriptionAt...),
		Event:          firstString(doc, eventAt...),
		TaskID:         firstString(doc, noteTaskIDPaths...),
		Status:         firstString(doc, noteStatusPaths...),
		RootStatus:     firstString(doc, noteRootPaths...),
		NpdReceiptURI:  firstString(doc, noteNpdPaths...),
		PayeeInn:       firstString(doc, noteInnPaths...),
		PayeeName:      firstString(doc, noteNamePaths...),
		OrderRef:       firstString(doc, noteOrderPaths...),
		Amount:         firstString(doc, noteAmountPaths...),
		Description:    firstString(doc, noteDescPaths...),
		ServiceEndDate: firstString(doc, noteEndPaths...),
		BuyerEmail:     firstString(doc, noteEmailPaths...),
		CreatedAt:      firstString(doc, noteCreatedPaths...),
	}

	if n.Subscription == "" {
		n.Subscription = SubscriptionTasks
	}
	if n.Subscription == SubscriptionTasks && n.TaskID == "" {
		return nil, ErrMalformed
	}
	return n, nil
}
