// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/handlers"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/middleware"
)

// Options configures SetupRoutes.
type Options struct {
	// APIToken protects the /v1 group. Empty leaves it open.
	APIToken string

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers the broker API on router.
func SetupRoutes(router *gin.Engine, broker handlers.Facade, opts Options) {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(opts.APIToken))
	{
		items := v1.Group("/items/:itemId")
		{
			items.GET("/stats", handlers.GetStats(broker))
			items.GET("/list", handlers.GetItems(broker))
			items.POST("/actions/:action", handlers.PostAction(broker))
			items.POST("/login", handlers.PostLogin(broker))
			items.POST("/logout", handlers.PostLogout(broker))
		}
		v1.GET("/sessions", handlers.ListSessions(broker))
	}
}
