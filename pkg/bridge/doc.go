// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge is the appservice core of the Discord bridge: the bot
// identity and its sync loop, lazily provisioned puppet clients for guest
// users, and the work queue that decouples sync callbacks from event
// handling.
//
// Every identity persists its sync state through the statestore package,
// so a restarted bridge resumes from its last committed cursor instead of
// re-seeing old events.
package bridge
