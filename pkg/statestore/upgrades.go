// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package statestore

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// UpgradeTable contains the schema migrations for the state store.
var UpgradeTable dbutil.UpgradeTable

//go:embed *.sql
var rawUpgrades embed.FS

func init() {
	UpgradeTable.RegisterFS(rawUpgrades)
}
