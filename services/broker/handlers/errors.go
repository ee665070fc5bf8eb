// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the session broker to the dashboard over HTTP.
//
// Reads (stats, list) degrade to a placeholder body with status 200 unless
// the caller passes ?auth=required. Mutations (actions, login) always
// surface failures with an ErrorResponse.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
)

// Facade is the broker surface the handlers use.
type Facade interface {
	Stats(ctx context.Context, itemID string, opts engine.ReadOptions) (engine.StatsView, error)
	Items(ctx context.Context, itemID string, opts engine.ReadOptions) (engine.ItemsView, error)
	Action(ctx context.Context, itemID string, action engine.Action) error
	Login(ctx context.Context, itemID string) error
	Logout(ctx context.Context, itemID string) error
	Sessions() []engine.SessionInfo
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error          string `json:"error"`
	Kind           string `json:"kind"`
	RequiresReauth bool   `json:"requiresReauth"`
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
	Hint           string `json:"hint,omitempty"`
}

// writeError maps err onto a status code and ErrorResponse. Cancellation
// by the dashboard is answered with 499 and not logged as a failure.
func writeError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		c.AbortWithStatus(499)
		return
	}
	be := engine.Classify("", err)
	status := be.HTTPStatus()
	if status >= http.StatusInternalServerError {
		slog.Error("Broker request failed", "path", c.FullPath(), "item_id", c.Param("itemId"), "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:          be.Error(),
		Kind:           be.Kind.String(),
		RequiresReauth: be.RequiresReauth(),
		UpstreamStatus: be.StatusCode,
		Hint:           be.Hint(),
	})
}

// badRequest answers a malformed dashboard request.
func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error: err.Error(),
		Kind:  "invalid_request",
	})
}

// readOptions parses the ?auth=required switch.
func readOptions(c *gin.Context) engine.ReadOptions {
	return engine.ReadOptions{RequireAuth: c.Query("auth") == "required"}
}
