// Package pipeline assembles the gateway's request pipeline.
//
// A pipeline is an ordered stack of layers applied over a terminal service.
// Most layers are checkpoints: a predicate decides whether the request
// continues inward (possibly rewritten) or the pipeline ends with a
// response. Stages are sorted by Order and the lowest order is outermost.
//
// # Webhook Contract
//
// Webhook stages are checkpoints backed by an external HTTP endpoint:
//
//	POST <webhook_url>
//	Content-Type: application/json
//
//	{
//	  "phase": "request",
//	  "request": { "query": "...", "operationName": "...", "variables": {...}, "extensions": {...} },
//	  "metadata": { "request_id": "...", "method": "POST", "operation_name": "..." }
//	}
//
// Response:
//
//	{
//	  "action": "allow" | "deny" | "mutate",
//	  "request": { ... },      // if mutating the request
//	  "deny_reason": "..."     // if denying
//	}
package pipeline
