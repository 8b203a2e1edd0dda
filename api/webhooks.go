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
	"github.com/sirupsen/logrus"
)

// Both webhook handlers answer 200 to every delivery that passed the secret
// check. Failures are logged; the raw body is already in the event log.

func (a Api) TaskWebhook(c *gin.Context) {
	userID := c.Query("uid")
	body, err := c.GetRawData()
	if err != nil {
		logrus.WithError(err).Warn("could not read task notification body")
		c.JSON(http.StatusOK, gin.H{"received": false})
		return
	}

	if err := a.kassaflow.IngestTaskNotification(c.Request.Context(), userID, body); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("task notification not applied")
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (a Api) FiscalWebhook(c *gin.Context) {
	userID := c.Query("uid")
	body, err := c.GetRawData()
	if err != nil {
		logrus.WithError(err).Warn("could not read fiscal callback body")
		c.JSON(http.StatusOK, gin.H{"received": false})
		return
	}

	if err := a.kassaflow.IngestFiscalCallback(c.Request.Context(), userID, body); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("fiscal callback not applied")
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
