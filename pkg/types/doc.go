/*
Package types defines the wire-level data model shared by every runtime:
documents, requests, responses, routing traces, and status codes, plus
the deterministic merge rules used at shard gathers and graph fan-ins.

All three gateway transports (gRPC, HTTP, WebSocket) decode into the
same DataRequest type, so the traversal engine and the head/worker
runtimes never see transport-specific framing.
*/
package types
