// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package statestore persists Matrix sync state in a relational database.
//
// The store is the single source of truth consulted on process restart.
// All sync-derived writes arrive as a [StateChangeBatch] and are applied in
// one transaction through [Store.ApplyChanges]; every write is an upsert
// keyed by the entity's natural identity, which makes batch application
// idempotent and crash-safe.
//
// Beyond sync state, the store holds three narrow side collections:
//
//   - a closed-key custom value store ([CustomKey]) for per-client device
//     ids and cached login sessions,
//   - a media blob cache keyed by content URI,
//   - guest-network credential mappings ([UserMapping]) with
//     replace-not-merge semantics.
//
// Store implements [maunium.net/go/mautrix.SyncStore], so every client
// built by the bridge persists its filter id and sync cursor here, keyed
// by the client's user id.
package statestore
