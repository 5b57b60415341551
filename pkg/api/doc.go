// Package api exposes the platform's management surface over HTTP.
//
// # Overview
//
// The server fronts the plugin registry, the extension registry, the job
// scheduler and the execution history ledger with a JSON API under
// /api/v1. Routing uses gorilla/mux; responses and error mapping go
// through pkg/httputil.
//
// # Route Groups
//
// Plugins:
//
//	POST   /api/v1/plugins                  install from a manifest body
//	GET    /api/v1/plugins                  list descriptors
//	GET    /api/v1/plugins/{key}            one descriptor
//	DELETE /api/v1/plugins/{key}            uninstall
//	POST   /api/v1/plugins/{key}/enable     resolve and activate
//	POST   /api/v1/plugins/{key}/disable    deactivate
//
// Extensions:
//
//	GET /api/v1/extension-types             types with registrations
//	GET /api/v1/extensions/{type}           weight-ordered, ?location= narrows
//
// Scheduler:
//
//	POST   /api/v1/jobs                             schedule a declared job
//	GET    /api/v1/jobs                             list job statuses
//	GET    /api/v1/jobs/{group}/{name}              one job status
//	DELETE /api/v1/jobs/{group}/{name}              unschedule
//	POST   /api/v1/jobs/{group}/{name}/pause
//	POST   /api/v1/jobs/{group}/{name}/resume
//	POST   /api/v1/jobs/{group}/{name}/trigger      fire now, optional data
//	POST   /api/v1/jobs/{group}/{name}/interrupt
//	POST   /api/v1/jobs/{group}/{name}/reschedule   replace the trigger
//	GET    /api/v1/scheduler/status
//
// History:
//
//	GET /api/v1/history                     paged, filterable listing
//	GET /api/v1/history/statistics          aggregates for a filter
//	GET /api/v1/history/failures            most recent FAILED entries
//
// # Error Mapping
//
// Domain sentinel errors map to HTTP statuses: not-found errors to 404,
// duplicate keys and lifecycle conflicts to 409, trigger validation
// failures to 400. Everything else is a 500.
package api
