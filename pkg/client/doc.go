/*
Package client is the SDK surface against a gateway's streaming gRPC
endpoint. Post batches documents into requests, streams them, and
collects the responses; WaitForReadyOrShutdown is the readiness probe
used by tests and deploy tooling before sending traffic.
*/
package client
