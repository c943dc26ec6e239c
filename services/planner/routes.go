// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all planner routes with the router.
//
// Description:
//
//	Registers all /v1/mow/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Dataset Endpoints:
//
//	GET  /v1/mow/datasets - List available datasets
//	POST /v1/mow/datasets - Create and load a dataset
//	POST /v1/mow/datasets/open - Load an existing dataset
//	GET  /v1/mow/state - Session state
//	POST /v1/mow/save - Save the loaded dataset
//	POST /v1/mow/close - Unload the dataset
//
// Entity Endpoints:
//
//	GET    /v1/mow/components - List components
//	POST   /v1/mow/components - Add a component
//	POST   /v1/mow/components/:component/variants - Add a variant
//	POST   /v1/mow/components/:component/options - Add an option
//	DELETE /v1/mow/components/:component/variants/:variant - Remove a variant
//	DELETE /v1/mow/components/:component/options/:option - Remove an option
//	GET    /v1/mow/meals - List meals
//	POST   /v1/mow/meals - Add a meal
//	DELETE /v1/mow/meals/:meal - Remove a meal
//
// Other Endpoints:
//
//	GET  /v1/mow/events - Websocket event stream
//	GET  /v1/mow/health - Health check
//
// Example:
//
//	handlers := planner.NewHandlers(sess, logger)
//	defer handlers.Close()
//
//	v1 := router.Group("/v1")
//	planner.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	mow := rg.Group("/mow")
	{
		// Dataset lifecycle
		mow.GET("/datasets", handlers.HandleDatasets)
		mow.POST("/datasets", handlers.HandleNewDataset)
		mow.POST("/datasets/open", handlers.HandleOpenDataset)
		mow.GET("/state", handlers.HandleState)
		mow.POST("/save", handlers.HandleSave)
		mow.POST("/close", handlers.HandleClose)

		// Components
		mow.GET("/components", handlers.HandleComponents)
		mow.POST("/components", handlers.HandleAddComponent)
		mow.POST("/components/:component/variants", handlers.HandleAddVariant)
		mow.POST("/components/:component/options", handlers.HandleAddOption)
		mow.DELETE("/components/:component/variants/:variant", handlers.HandleRemoveVariant)
		mow.DELETE("/components/:component/options/:option", handlers.HandleRemoveOption)

		// Meals
		mow.GET("/meals", handlers.HandleMeals)
		mow.POST("/meals", handlers.HandleAddMeal)
		mow.DELETE("/meals/:meal", handlers.HandleRemoveMeal)

		// Events and health
		mow.GET("/events", handlers.HandleEvents)
		mow.GET("/health", handlers.HandleHealth)
	}
}
