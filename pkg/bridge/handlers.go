// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// demoGuestUser is the guest identity whose puppet answers pings until the
// real guest-network event feed is wired up.
const demoGuestUser GuestUserID = 2

// HandleEvent is the queue handler: it routes dequeued work items to the
// per-kind handlers.
func (br *Bridge) HandleEvent(ctx context.Context, evt QueueEvent) error {
	switch evt.Kind {
	case KindMemberEvent:
		return br.handleMemberEvent(ctx, evt.Evt)
	case KindMessageEvent:
		return br.handleMessageEvent(ctx, evt.Evt)
	default:
		return fmt.Errorf("unknown queue event kind %d", evt.Kind)
	}
}

// handleMemberEvent accepts invitations addressed to the bridge bot. The
// join is retried with backoff because the homeserver may hand out the
// invite before the room is joinable (matrix-org/synapse#4345); anything
// still failing after the delay budget is reported as a handler error.
func (br *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) error {
	content := evt.Content.AsMember()
	if content.Membership != event.MembershipInvite {
		return nil
	}
	if id.UserID(evt.GetStateKey()) != br.botUserID {
		return nil
	}
	log := br.log.With().
		Str("room_id", evt.RoomID.String()).
		Str("inviter", evt.Sender.String()).
		Logger()
	log.Info().Msg("Accepting room invitation")
	return br.joinBackoff.Retry(ctx, &log, func(ctx context.Context) error {
		_, err := br.bot.Client.JoinRoomByID(ctx, evt.RoomID)
		return err
	})
}

// handleMessageEvent reacts to timeline messages in rooms the bot is in.
// Messages sent by the bridge's own identities are ignored so puppet
// traffic never feeds back into the queue.
func (br *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) error {
	if br.isOwnIdentity(evt.Sender) {
		return nil
	}
	content := evt.Content.AsMessage()
	if content == nil || !strings.Contains(content.Body, "ping") {
		return nil
	}
	return br.pong(ctx, evt.RoomID, evt.Sender)
}

// pong answers a ping as the demo guest puppet: provision the puppet,
// invite it into the room as the bot, join, and reply. The invite may fail
// when the puppet is already in the room; the join below decides whether
// that matters.
func (br *Bridge) pong(ctx context.Context, roomID id.RoomID, pinger id.UserID) error {
	puppet, err := br.Client(ctx, demoGuestUser)
	if err != nil {
		return err
	}
	_, err = br.bot.Client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{
		UserID: puppet.UserID,
	})
	if err != nil {
		br.log.Debug().Err(err).
			Str("room_id", roomID.String()).
			Msg("Failed to invite puppet, joining anyway")
	}
	if _, err := puppet.JoinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join puppet to room: %w", err)
	}
	reply := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    fmt.Sprintf("pong %s", pinger),
	}
	_, err = puppet.Client.SendMessageEvent(ctx, roomID, event.EventMessage, reply)
	if err != nil {
		return fmt.Errorf("failed to send pong: %w", err)
	}
	return nil
}

// isOwnIdentity reports whether the user id belongs to the bridge bot or
// one of its puppets.
func (br *Bridge) isOwnIdentity(userID id.UserID) bool {
	if userID == br.botUserID {
		return true
	}
	localpart, homeserver, err := userID.Parse()
	if err != nil || homeserver != br.cfg.Homeserver.Domain {
		return false
	}
	return strings.HasPrefix(localpart, br.cfg.Bridge.Prefix+"_discord_")
}
