// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

// Gitmem-health checks fleet health through a coordinator's admin
// socket. It asks the daemon for a fresh probe round over the current
// worker set, prints a summary (per-worker detail with --detailed),
// and optionally writes the JSON report artifact.
//
// Exit codes follow check-command convention: 0 when fleet health is
// at or above 80%, 1 below, 2 for usage or transport errors. Cron
// jobs and CI gates branch on the code without parsing output.
package main
