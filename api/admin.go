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
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kassaflow/kassaflow"
	apimodel "github.com/kassaflow/kassaflow/api/model"
	"github.com/kassaflow/kassaflow/internal/apierror"
)

func bindScope(c *gin.Context) (kassaflow.RepairScope, bool) {
	var req apimodel.RepairRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return kassaflow.RepairScope{}, false
	}
	if err := req.ValidateRepairRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return kassaflow.RepairScope{}, false
	}
	return kassaflow.RepairScope{UserID: req.UserID, OrderID: req.OrderID}, true
}

// Repair runs a repair pass synchronously and returns its report.
func (a Api) Repair(c *gin.Context) {
	scope, ok := bindScope(c)
	if !ok {
		return
	}

	report, err := a.kassaflow.RunRepair(c.Request.Context(), scope)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error(), "report": report})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (a Api) Reclassify(c *gin.Context) {
	scope, ok := bindScope(c)
	if !ok {
		return
	}

	report, err := a.kassaflow.Reclassify(c.Request.Context(), scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (a Api) Backfill(c *gin.Context) {
	report, err := a.kassaflow.Backfill(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (a Api) RunSchedule(c *gin.Context) {
	report, err := a.kassaflow.RunScheduledJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		return
	}

	c.JSON(http.StatusOK, report)
}

// QueueDepths reports the backlog of the settlement, lookup and webhook
// queues.
func (a Api) QueueDepths(c *gin.Context) {
	depths, err := a.kassaflow.QueueDepths()
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"queues": depths})
}
