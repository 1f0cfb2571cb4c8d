/*
Package gateway implements the entry point of the data plane.

The traversal engine is transport agnostic: it consumes DataRequests and
emits DataResponses, running one concurrent task per pod of the topology
graph. Requests fan out by cloning, fan-ins merge predecessor outputs in
lexicographic pod-name order, hanging pods run fire-and-forget, and
responses stream back as each path reaches end-gateway.

Three thin adapters bind the engine to clients: gRPC bidirectional
streaming, HTTP request/response, and WebSocket frames. Admission is
gated by a weighted semaphore sized to the prefetch limit, so at most
prefetch requests are in flight at once; a blocking client iterator is
pumped on a dedicated goroutine so it never stalls traversal tasks.
*/
package gateway
