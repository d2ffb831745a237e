// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/DarkKirb/discord-bridge/pkg/statestore"
)

// GuestUserID is a Discord user snowflake.
type GuestUserID uint64

// BotUser selects the bridge's own bot instead of a guest puppet.
const BotUser GuestUserID = 0

func (g GuestUserID) String() string {
	return strconv.FormatUint(uint64(g), 10)
}

// ErrRoomNotFound is returned when a room is still absent from a puppet's
// view after joining and refreshing.
var ErrRoomNotFound = errors.New("room not found")

// Puppet is a virtual Matrix client: the bridge bot, or the Matrix
// identity of a single guest-network user.
type Puppet struct {
	UserID id.UserID
	Client *mautrix.Client

	br  *Bridge
	log zerolog.Logger

	// syncLock serializes private syncs so the cursor is read-modify-write
	// consistent per puppet.
	syncLock sync.Mutex
}

func (br *Bridge) newPuppet(userID id.UserID) (*Puppet, error) {
	client, err := br.newClient(userID)
	if err != nil {
		return nil, err
	}
	return &Puppet{
		UserID: userID,
		Client: client,
		br:     br,
		log:    br.log.With().Str("puppet", userID.String()).Logger(),
	}, nil
}

// Client returns the virtual client for a guest user, the bridge bot for
// BotUser. Puppets are provisioned lazily: on first use the localpart is
// registered (an identity that already exists counts as success) and the
// client is cached for the process lifetime.
//
// Two concurrent first-time calls for the same id may both attempt
// registration; that is safe because registration is idempotent, and the
// cache insert resolves to a single client via get-or-set.
func (br *Bridge) Client(ctx context.Context, guestID GuestUserID) (*Puppet, error) {
	if guestID == BotUser {
		return br.bot, nil
	}
	if puppet, ok := br.puppets.Get(guestID); ok {
		return puppet, nil
	}
	localpart := br.cfg.GuestLocalpart(guestID)
	if err := br.registerLocalpart(ctx, localpart); err != nil {
		return nil, err
	}
	puppet, err := br.newPuppet(id.NewUserID(localpart, br.cfg.Homeserver.Domain))
	if err != nil {
		return nil, err
	}
	actual, existed := br.puppets.GetOrSet(guestID, puppet)
	if !existed {
		br.log.Info().
			Str("guest_id", guestID.String()).
			Str("user_id", puppet.UserID.String()).
			Msg("Provisioned puppet client")
	}
	return actual, nil
}

// registerLocalpart registers a user in the bridge's appservice namespace.
// An identity that already exists is success; any other failure is fatal
// to the calling operation.
func (br *Bridge) registerLocalpart(ctx context.Context, localpart string) error {
	_, _, err := br.asClient.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return fmt.Errorf("failed to register %s: %w", localpart, err)
	}
	return nil
}

// RefreshState performs one private zero-timeout incremental sync and
// commits the resulting state batch. At most one refresh is in flight per
// puppet at a time.
func (p *Puppet) RefreshState(ctx context.Context) error {
	p.syncLock.Lock()
	defer p.syncLock.Unlock()
	since, err := p.br.store.LoadNextBatch(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("failed to load sync cursor: %w", err)
	}
	resp, err := p.Client.FullSyncRequest(ctx, mautrix.ReqSync{
		Since:   since,
		Timeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	batch := BuildBatch(p.UserID, resp)
	if err := p.br.store.ApplyChanges(ctx, batch); err != nil {
		return fmt.Errorf("failed to apply sync state: %w", err)
	}
	return nil
}

// JoinRoom makes the puppet a member of the room and returns the room's
// stored metadata. The puppet's view of the room is refreshed first; if
// the room is absent or only visible as an invitation, the join is
// performed and the view refreshed again. ErrRoomNotFound is returned if
// the room is still not joined after that.
func (p *Puppet) JoinRoom(ctx context.Context, roomID id.RoomID) (*statestore.RoomInfo, error) {
	if err := p.RefreshState(ctx); err != nil {
		return nil, err
	}
	status, err := p.br.store.GetMembershipStatus(ctx, roomID, p.UserID)
	if err != nil {
		return nil, err
	}
	if status != statestore.StatusJoined {
		p.log.Debug().
			Str("room_id", roomID.String()).
			Str("status", string(status)).
			Msg("Not in room yet, joining")
		if _, err := p.Client.JoinRoomByID(ctx, roomID); err != nil {
			return nil, fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
		if err := p.RefreshState(ctx); err != nil {
			return nil, err
		}
		status, err = p.br.store.GetMembershipStatus(ctx, roomID, p.UserID)
		if err != nil {
			return nil, err
		}
		if status != statestore.StatusJoined {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		}
	}
	info, err := p.br.store.GetRoomInfo(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		info = &statestore.RoomInfo{ID: roomID, Membership: event.MembershipJoin}
	}
	return info, nil
}

// JoinRoomOnBehalf joins a room as the puppet of the given guest user,
// provisioning the puppet if needed.
func (br *Bridge) JoinRoomOnBehalf(ctx context.Context, guestID GuestUserID, roomID id.RoomID) (*statestore.RoomInfo, error) {
	puppet, err := br.Client(ctx, guestID)
	if err != nil {
		return nil, err
	}
	return puppet.JoinRoom(ctx, roomID)
}

// RegisterUser stores the guest-network credential for a Matrix user,
// replacing any previous registration.
func (br *Bridge) RegisterUser(ctx context.Context, userID id.UserID, managementRoom id.RoomID, token string) error {
	return br.store.PutUserMapping(ctx, statestore.UserMapping{
		UserID:         userID,
		ManagementRoom: managementRoom,
		Token:          token,
	})
}

// UnregisterUser removes the guest-network credential mapping for a
// Matrix user.
func (br *Bridge) UnregisterUser(ctx context.Context, userID id.UserID) error {
	return br.store.DeleteUserMapping(ctx, userID)
}
