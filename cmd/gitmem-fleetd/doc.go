// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

// Gitmem-fleetd is the fleet coordinator daemon. It owns the load
// balancer, the replicated memory store, and the health monitor for
// one coordinator in a Git Memory fleet, and exposes both an admin
// surface and a peer replication surface.
//
// # Startup
//
// The daemon reads its YAML configuration from --config (or the
// GITMEM_CONFIG environment variable), loads the memory snapshot from
// disk, seeds workers from the optional JSONC manifest, and attempts a
// full-state sync from its configured peers before serving. A failed
// peer sync degrades to the local snapshot; replication converges the
// stores as writes flow.
//
// # Sockets
//
// Two listeners, one protocol: each connection carries a single CBOR
// request and a single CBOR response.
//
//   - admin (unix socket): worker registration, connection assignment,
//     memory operations, health reports. Used by gitmem-health and
//     operators.
//   - peer (tcp, optional): replica/apply for incoming replication
//     envelopes and replica/snapshot for bootstrap. Used only by other
//     coordinators.
//
// # Background loops
//
// The health monitor probes every worker on health_interval and feeds
// results to the coordinator, which drains connections off workers
// that went unhealthy. The sweeper evicts connections idle longer
// than connection_timeout. The flush loop bounds how stale the memory
// snapshot on disk can get between write-path flushes.
package main
