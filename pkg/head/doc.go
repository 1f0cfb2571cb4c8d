/*
Package head implements the dispatcher in front of a pod's shards and
replicas.

A head receives one request and produces one merged response. The
polling policy (ANY or ALL, resolvable per endpoint) decides whether one
shard handles the request or every shard does; within a shard, replicas
are picked round-robin with atomic cursors. Transient transport failures
are retried on the next replica until the retry budget runs out. Shard
replies merge in shard-index order, so merged responses are
deterministic. Optional uses-before and uses-after executors run inside
the head as local pre-processor and reducer.

The connection pool keeps one long-lived connection per worker; dead
connections are skipped and re-opened by a background health probe with
exponential backoff.
*/
package head
