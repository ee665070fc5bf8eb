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
	"net/http"

	"github.com/gin-gonic/gin"
)

// PostLogin discards any cached session for the item and logs in again.
func PostLogin(b Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri itemURI
		if err := c.ShouldBindUri(&uri); err != nil {
			badRequest(c, err)
			return
		}
		if err := b.Login(c.Request.Context(), uri.ItemID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "authenticated"})
	}
}

// PostLogout ends the item's session. It succeeds even when nothing was
// cached or the upstream logout failed.
func PostLogout(b Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri itemURI
		if err := c.ShouldBindUri(&uri); err != nil {
			badRequest(c, err)
			return
		}
		_ = b.Logout(c.Request.Context(), uri.ItemID)
		c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
	}
}

// ListSessions returns metadata for cached sessions. Tokens are never
// included.
func ListSessions(b Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := b.Sessions()
		c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
