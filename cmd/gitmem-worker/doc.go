// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

// Gitmem-worker is the reference probe target for a Git Memory fleet.
// It serves GET /healthz with live CPU and memory readings in the
// shape the coordinator's health prober expects, and nothing else;
// real workers embed the same endpoint next to their tool surface.
//
// --fail forces failing responses, which makes drain and failover
// drills reproducible without killing the process.
package main
