// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error responses,
// parameter parsing, and common HTTP middleware patterns.
//
// # Response Helpers
//
// JSON responses:
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, resource)
//
// Error responses:
//
//	httputil.WriteError(w, http.StatusBadRequest, err)
//	httputil.WriteBadRequest(w, "Invalid input")
//	httputil.WriteConflict(w, "Key already exists")
//
// # Request Parsing
//
// JSON parsing:
//
//	var req scheduleJobRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Path and query parameters:
//
//	key, ok := httputil.ParsePathStringOrError(w, r, "key")
//	page, err := httputil.ParseQueryInt(r, "page", 1)
//	from, err := httputil.ParseQueryTime(r, "from")
//
// # Middleware
//
// Compose middleware with Chain:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(log),
//		httputil.LoggingMiddleware(log, metrics),
//	)(router)
package httputil
