// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"fmt"
	"regexp"

	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/appservice"
)

// GenerateRegistration builds an appservice registration document for the
// configured homeserver: fresh random tokens, the bot as sender, and
// exclusive namespaces for the puppet users and room aliases derived from
// the configured prefix.
func GenerateRegistration(cfg *Config) *appservice.Registration {
	reg := appservice.CreateRegistration()
	reg.ID = "discord"
	reg.URL = cfg.Bridge.URL
	reg.SenderLocalpart = cfg.BotLocalpart()
	reg.RateLimited = ptr.Ptr(false)

	domain := regexp.QuoteMeta(cfg.Homeserver.Domain)
	prefix := regexp.QuoteMeta(cfg.Bridge.Prefix)
	reg.Namespaces.UserIDs.Register(
		regexp.MustCompile(fmt.Sprintf("^@%s_discord_[0-9]+:%s$", prefix, domain)), true)
	reg.Namespaces.UserIDs.Register(
		regexp.MustCompile(fmt.Sprintf("^@%s_discordbot:%s$", prefix, domain)), true)
	reg.Namespaces.RoomAliases.Register(
		regexp.MustCompile(fmt.Sprintf("^#%s_discord_.+:%s$", prefix, domain)), true)

	return reg
}
