// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/mirrorscope/pkg/validation"
	"github.com/AleutianAI/mirrorscope/services/viewer/session"
)

// sessionContextKey is where the resolved session lives in the gin context.
const sessionContextKey = "mirrorscope.session"

// resolveSession validates the :token path parameter and resolves it to a
// live session, aborting with 400 on bad syntax and 404 on no such session.
//
// The session token is the only access control on the protocol surface, so
// a failed lookup deliberately returns the same body shape as a syntax
// failure would on a different route: nothing here confirms which tokens
// exist beyond the 404 itself.
func (s *Server) resolveSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := c.Param("token")
		if err := validation.ValidateSessionToken(tok); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, ok := s.sessions.Get(tok)
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown session"})
			return
		}
		c.Set(sessionContextKey, sess)
		c.Next()
	}
}

// sessionFromContext retrieves the session stored by resolveSession.
func sessionFromContext(c *gin.Context) *session.Session {
	return c.MustGet(sessionContextKey).(*session.Session)
}
