// Package api serves the administrative HTTP surface of the plan executor.
//
// Routes:
//
//	GET  /ping
//	GET  /phases
//	POST /plan
//	GET  /plans[?all=true]
//	GET  /plans/{id}
//	POST /plan/{id}/pause      {"pause_at_phase": "..."} (optional)
//	POST /plan/{id}/resume
//	POST /plan/{id}/unhold
//	POST /plan/{id}/archive
//	GET  /plan/{id}/tune
//	POST /plan/{id}/tune/{name} {"tuning_value": number|null}
//	POST /update/{id}/{token}
//	GET  /metrics
//
// All bodies are JSON. Errors are reported as ErrorResponse with the engine
// error code; requests are rate limited per client address.
package api
