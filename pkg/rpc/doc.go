/*
Package rpc defines the jina.JinaRPC gRPC surface shared by all three
runtimes: a single bidirectional streaming method Call carrying
DataRequest frames forward and DataResponse frames back.

The service descriptor is written by hand and messages are framed with a
registered JSON codec (content-subtype "json"), which keeps pkg/types as
the one wire model across gRPC, HTTP and WebSocket. Readiness probing
uses the standard grpc.health.v1 service from the grpc-go module.
*/
package rpc
