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
	"context"
	"errors"
	"net/http"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/gin-gonic/gin"
)

// StatusFor maps an error onto an HTTP status.
//
//	validation          → 400
//	resolution, missing → 404
//	persistence         → 503
//	deadline            → 504
//	anything else       → 500
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrResolution), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// clientMessage is the error text a client may see. Internal failures are
// not described.
func clientMessage(err error) string {
	switch StatusFor(err) {
	case http.StatusBadRequest, http.StatusNotFound:
		return err.Error()
	case http.StatusServiceUnavailable:
		return "storage unavailable, retry the turn"
	case http.StatusGatewayTimeout:
		return "turn timed out, retry the turn"
	default:
		return "internal error"
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(StatusFor(err), gin.H{"error": clientMessage(err)})
}
