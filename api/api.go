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
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/kassaflow/kassaflow"
	"github.com/kassaflow/kassaflow/api/middleware"
	"github.com/kassaflow/kassaflow/config"
)

type Api struct {
	kassaflow *kassaflow.Kassaflow
	cnf       *config.Configuration
	router    *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	hooks := router.Group("/webhooks",
		middleware.RateLimitMiddleware(a.cnf),
		middleware.WebhookSecretMiddleware(a.cnf.Webhook.Secret))
	hooks.POST("/tasks", a.TaskWebhook)
	hooks.POST("/fiscal", a.FiscalWebhook)

	protected := router.Group("/")
	if a.cnf.Server.Secure {
		protected.Use(middleware.SecretKeyAuthMiddleware())
	}

	protected.POST("/sales", a.CreateSale)
	protected.GET("/sales", a.ListSales)
	protected.GET("/sales/:user_id/:task_id", a.GetSale)
	protected.PATCH("/sales/:user_id/:task_id", a.PatchSale)
	protected.GET("/orders/:user_id/:order_id", a.GetSaleByOrder)
	protected.PATCH("/orders/:user_id/:order_id", a.PatchSaleByOrder)
	protected.GET("/receipt-jobs", a.ListReceiptJobs)

	protected.POST("/admin/repair", a.Repair)
	protected.POST("/admin/reclassify", a.Reclassify)
	protected.POST("/admin/backfill", a.Backfill)
	protected.POST("/admin/schedule", a.RunSchedule)
	protected.GET("/admin/queues", a.QueueDepths)
	return router
}

func NewAPI(k *kassaflow.Kassaflow) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("kassaflow"))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{kassaflow: k, cnf: conf, router: r}
}
