/*
Package executor hosts the plug-in model for user request handlers.

An executor is a named bundle of handlers. Each handler serves the
endpoints it is bound to; a designated default handler serves /default
and any endpoint with no explicit binding. Launch arguments can rebind
endpoints (requests overrides) and inject init parameters (with) and
metadata (metas); overrides always win over the executor's own
declarations.

Executor types register themselves through Register at init time, and
workers construct them at startup either by type name or from a YAML
manifest via Resolve.
*/
package executor
