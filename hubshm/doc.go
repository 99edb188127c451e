/*
 *
 * Copyright 2026 PyLabHub Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package hubshm implements the shared-memory data plane of the lab
// instrumentation hub: a single-writer, multi-reader ring of fixed-size
// slots exchanged between independent processes on the same host.
//
// One producer process creates a segment and publishes binary records into
// ring slots; any number of consumer processes attach and read them with
// bounded-latency hand-off. All coordination happens through atomics in the
// mapped segment itself - there is no shared runtime, no broker on the data
// path, and no kernel networking. The package survives abrupt process death
// on either side: a dead writer's lock token is reclaimed by the next
// attaching writer, dead readers are detected through heartbeats, and
// stranded slots can be repaired through the recovery API without stopping
// live traffic.
//
// The segment starts with a fixed 4096-byte control block validated by a
// layout hash at attach time, followed by one 64-byte header per slot, the
// payload area, and any flexible zones both sides agreed on. Payload
// integrity is optionally protected by per-slot BLAKE2b checksums.
//
// Discovery (segment name, access secret, schema hash) is exchanged out of
// band by the surrounding hub infrastructure; this package treats those as
// opaque attach parameters.
package hubshm
