/*
Package metrics defines the executor's Prometheus collectors.

All metrics use the golem_ prefix and are registered once at startup via
Register; Handler serves the /metrics endpoint. Covered areas: worker
population and evictions, invocations, oplog appends/reads/archival,
replays and divergences, rpc routing, scheduler actions and control plane
requests.
*/
package metrics
