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
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kassaflow/kassaflow"
	apimodel "github.com/kassaflow/kassaflow/api/model"
	"github.com/kassaflow/kassaflow/internal/apierror"
	"github.com/kassaflow/kassaflow/model"
)

const defaultPageSize = 20

func respondError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)
	switch {
	case errors.Is(err, kassaflow.ErrDuplicateReceiptDetected):
		status = http.StatusConflict
	case errors.Is(err, kassaflow.ErrSaleNotSettled),
		errors.Is(err, kassaflow.ErrNoOrderNumber),
		errors.Is(err, kassaflow.ErrNoPayeeTaxID):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pagination(c *gin.Context) (limit, offset int, err error) {
	limit, offset = defaultPageSize, 0
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func orderParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("order_id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id must be a positive integer"})
		return 0, false
	}
	return orderID, true
}

func (a Api) CreateSale(c *gin.Context) {
	var newSale apimodel.CreateSale
	if err := c.ShouldBindJSON(&newSale); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newSale.ValidateCreateSale(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, created, err := a.kassaflow.CreateSale(c.Request.Context(), newSale.ToSale())
	if err != nil {
		respondError(c, err)
		return
	}

	if !created {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetSale(c *gin.Context) {
	resp, err := a.kassaflow.GetSale(c.Request.Context(), c.Param("user_id"), c.Param("task_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetSaleByOrder(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}

	resp, err := a.kassaflow.GetSaleByOrder(c.Request.Context(), c.Param("user_id"), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListSales returns a page of sales, optionally narrowed to one owner with
// ?user_id=.
func (a Api) ListSales(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var resp []model.Sale
	if userID := c.Query("user_id"); userID != "" {
		resp, err = a.kassaflow.ListSalesForOwner(c.Request.Context(), userID, limit, offset)
	} else {
		resp, err = a.kassaflow.ListSales(c.Request.Context(), limit, offset)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) PatchSale(c *gin.Context) {
	var patch model.SalePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.kassaflow.PatchSale(c.Request.Context(), c.Param("user_id"), c.Param("task_id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) PatchSaleByOrder(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}

	var patch model.SalePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.kassaflow.PatchSaleByOrder(c.Request.Context(), c.Param("user_id"), orderID, patch)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) ListReceiptJobs(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := a.kassaflow.ListReceiptJobs(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
