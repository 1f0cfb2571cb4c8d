/*
Package worker implements the innermost runtime of the data plane: one
executor instance behind the JinaRPC streaming surface.

Per request the worker resolves the endpoint in the executor's table,
applies the selected handler to the document batch, appends its own name
to the routing trace and returns the mutated request. Handler failures
are translated into an ERROR status on the response instead of aborting
the stream, so heads can merge partial results from other shards.
*/
package worker
