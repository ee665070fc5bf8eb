// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
)

// itemURI binds the :itemId path parameter.
type itemURI struct {
	ItemID string `uri:"itemId" binding:"required,max=128"`
}

// actionURI binds the :itemId and :action path parameters.
type actionURI struct {
	ItemID string `uri:"itemId" binding:"required,max=128"`
	Action string `uri:"action" binding:"required,oneof=pause resume delete disable enable refresh"`
}

// ActionRequest is the optional JSON body of an action call.
type ActionRequest struct {
	IDs        []string `json:"ids" binding:"omitempty,max=500,dive,required,max=256"`
	DeleteData bool     `json:"deleteData"`
	Timer      int      `json:"timer" binding:"gte=0,lte=86400"`
}

// GetStats returns the statistics summary for one widget item.
func GetStats(b Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri itemURI
		if err := c.ShouldBindUri(&uri); err != nil {
			badRequest(c, err)
			return
		}
		view, err := b.Stats(c.Request.Context(), uri.ItemID, readOptions(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// GetItems returns the list (torrents, queue entries, top domains) for one
// widget item.
func GetItems(b Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri itemURI
		if err := c.ShouldBindUri(&uri); err != nil {
			badRequest(c, err)
			return
		}
		view, err := b.Items(c.Request.Context(), uri.ItemID, readOptions(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// PostAction performs a mutating action. The body may be empty.
func PostAction(b Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri actionURI
		if err := c.ShouldBindUri(&uri); err != nil {
			badRequest(c, err)
			return
		}
		var req ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, err)
			return
		}

		action := engine.Action{Name: uri.Action, IDs: req.IDs, DeleteData: req.DeleteData, Timer: req.Timer}
		if err := b.Action(c.Request.Context(), uri.ItemID, action); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "action": uri.Action})
	}
}
