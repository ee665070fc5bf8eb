// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the broker service.
//
// # Authentication Flow
//
// The broker sits behind the dashboard backend. When an API token is
// configured every request must carry it:
//
//	Authorization: Bearer <token>
//
// The dashboard identifies the signed-in user with the X-Quantom-User
// header. That identity goes into the request context (engine.WithUser)
// so items configured with user-scoped sessions get one upstream session
// per user.
//
// When no token is configured the middleware is open and every request
// runs as LocalUser.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
)

const (
	// UserHeader carries the dashboard user id.
	UserHeader = "X-Quantom-User"

	// LocalUser is the identity used when the broker runs open.
	LocalUser = "local-user"

	// userKey is the gin context key for the user id.
	userKey = "quantom_user"

	maxUserIDLength = 128
)

// GetUser returns the user id stored by Auth, or "".
func GetUser(c *gin.Context) string {
	return c.GetString(userKey)
}

// Auth creates a middleware that checks the bearer token and records the
// calling user.
//
// # Inputs
//
//   - token: Expected bearer token. Empty disables the check.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use with Gin.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func Auth(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		user := LocalUser
		if token != "" {
			got := extractBearerToken(c)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			user = ""
		}
		if h := strings.TrimSpace(c.GetHeader(UserHeader)); h != "" && len(h) <= maxUserIDLength {
			user = h
		}

		c.Set(userKey, user)
		if user != "" {
			c.Request = c.Request.WithContext(engine.WithUser(c.Request.Context(), user))
		}
		c.Next()
	}
}

// extractBearerToken returns the token from "Authorization: Bearer <token>"
// or "" when the header is missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
