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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kassaflow/kassaflow/config"
	"github.com/kassaflow/kassaflow/internal/request"
	"github.com/sirupsen/logrus"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func slackPayload(err error, fields logrus.Fields, at time.Time) slackMessage {
	msg := slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: "Error From Kassaflow 🧾", Emoji: true}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%v", err)}}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))}}},
	}}
	if len(fields) > 0 {
		extra := slackBlock{Type: "section"}
		for k, v := range fields {
			extra.Fields = append(extra.Fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%v", k, v)})
		}
		msg.Blocks = append(msg.Blocks, extra)
	}
	return msg
}

// SlackNotification posts err to the Slack webhook at url.
func SlackNotification(ctx context.Context, url string, err error, fields logrus.Fields) error {
	req, reqErr := request.NewJSONRequest(ctx, http.MethodPost, url, slackPayload(err, fields, time.Now()))
	if reqErr != nil {
		return reqErr
	}
	_, doErr := request.Do(httpClient, req)
	return doErr
}

// NotifyError logs systemError and, when Slack is configured, forwards it
// there. It never blocks the caller.
func NotifyError(systemError error, fields ...logrus.Fields) {
	var merged logrus.Fields
	if len(fields) > 0 {
		merged = fields[0]
	}
	go func() {
		logrus.WithFields(merged).Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			return
		}
		if conf.Notification.Slack.WebhookUrl == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := SlackNotification(ctx, conf.Notification.Slack.WebhookUrl, systemError, merged); err != nil {
			logrus.WithError(err).Warn("slack notification failed")
		}
	}()
}
