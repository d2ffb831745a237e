// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.mau.fi/util/random"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/DarkKirb/discord-bridge/pkg/statestore"
)

// cachedSession is the persisted login of the bridge bot. Reusing it
// across restarts keeps the bot on one device instead of minting a fresh
// one per process.
type cachedSession struct {
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
	AccessToken string      `json:"access_token"`
}

// deviceID returns the bot's stable device id, generating and persisting
// one on first use.
func (br *Bridge) deviceID(ctx context.Context) (id.DeviceID, error) {
	raw, err := br.store.GetCustomValue(ctx, br.botUserID, statestore.KeyDeviceID)
	if err != nil {
		return "", err
	}
	if raw != nil {
		return id.DeviceID(raw), nil
	}
	deviceID := id.DeviceID(strings.ToUpper(random.String(10)))
	err = br.store.SetCustomValue(ctx, br.botUserID, statestore.KeyDeviceID, []byte(deviceID))
	if err != nil {
		return "", err
	}
	return deviceID, nil
}

// ensureBotSession makes the bot client use a real login session instead
// of raw appservice token auth. A cached session is restored when present;
// otherwise the bot logs in via the appservice login type and the result
// is cached. Either way the bot ends up with its own access token and
// device id, so its requests no longer need user_id query impersonation.
func (br *Bridge) ensureBotSession(ctx context.Context) error {
	raw, err := br.store.GetCustomValue(ctx, br.botUserID, statestore.KeySession)
	if err != nil {
		return err
	}
	if raw != nil {
		var sess cachedSession
		unmarshalErr := json.Unmarshal(raw, &sess)
		if unmarshalErr == nil && sess.AccessToken != "" {
			br.bot.Client.UserID = sess.UserID
			br.bot.Client.DeviceID = sess.DeviceID
			br.bot.Client.AccessToken = sess.AccessToken
			br.bot.Client.SetAppServiceUserID = false
			br.log.Debug().Str("device_id", sess.DeviceID.String()).Msg("Restored bot session")
			return nil
		}
		br.log.Warn().Err(unmarshalErr).Msg("Discarding unreadable cached bot session")
	}
	deviceID, err := br.deviceID(ctx)
	if err != nil {
		return err
	}
	resp, err := br.bot.Client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypeAppservice,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: br.botLocalpart,
		},
		DeviceID:         deviceID,
		StoreCredentials: true,
	})
	if err != nil {
		return fmt.Errorf("failed to log in as bot: %w", err)
	}
	br.bot.Client.SetAppServiceUserID = false
	sess := cachedSession{
		UserID:      resp.UserID,
		DeviceID:    resp.DeviceID,
		AccessToken: resp.AccessToken,
	}
	data, err := json.Marshal(&sess)
	if err != nil {
		return err
	}
	if err := br.store.SetCustomValue(ctx, br.botUserID, statestore.KeySession, data); err != nil {
		return err
	}
	br.log.Info().Str("device_id", resp.DeviceID.String()).Msg("Logged in as bridge bot")
	return nil
}
