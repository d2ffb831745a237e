// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Store is a durable, transactionally-consistent state store for Matrix
// sync state. All writes go through upserts keyed by each entity's natural
// identity, so re-applying a batch after a crash is safe.
//
// Store also implements mautrix.SyncStore, which is how bot and puppet
// clients persist their filter ids and sync cursors.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

var _ mautrix.SyncStore = (*Store)(nil)

// New wraps a database handle into a state store and attaches the store's
// schema upgrade table to it.
func New(db *dbutil.Database, log zerolog.Logger) *Store {
	db.UpgradeTable = UpgradeTable
	db.VersionTable = "statestore_version"
	return &Store{
		db:  db,
		log: log.With().Str("component", "statestore").Logger(),
	}
}

// Upgrade runs any pending schema migrations.
func (s *Store) Upgrade(ctx context.Context) error {
	return s.db.Upgrade(ctx)
}

const (
	upsertFilterQuery = `
		INSERT INTO statestore_filters (filter_name, filter_id)
		VALUES ($1, $2)
		ON CONFLICT (filter_name) DO UPDATE SET filter_id = excluded.filter_id
	`
	getFilterQuery = `
		SELECT filter_id FROM statestore_filters WHERE filter_name = $1
	`
	upsertSyncTokenQuery = `
		INSERT INTO statestore_sync_tokens (user_id, next_batch)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET next_batch = excluded.next_batch
	`
	getSyncTokenQuery = `
		SELECT next_batch FROM statestore_sync_tokens WHERE user_id = $1
	`
	upsertMemberStatusQuery = `
		INSERT INTO statestore_room_user_status (room_id, user_id, user_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET user_status = excluded.user_status
	`
	deleteMemberStatusQuery = `
		DELETE FROM statestore_room_user_status WHERE room_id = $1 AND user_id = $2
	`
	upsertMemberQuery = `
		INSERT INTO statestore_members (room_id, user_id, sync_content)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET sync_content = excluded.sync_content
	`
	upsertProfileQuery = `
		INSERT INTO statestore_profiles (room_id, user_id, profile_data)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET profile_data = excluded.profile_data
	`
	upsertDisplaynameQuery = `
		INSERT INTO statestore_displaynames (room_id, user_id, displayname)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET displayname = excluded.displayname
	`
	upsertAccountDataQuery = `
		INSERT INTO statestore_account_data (event_type, event_data)
		VALUES ($1, $2)
		ON CONFLICT (event_type) DO UPDATE SET event_data = excluded.event_data
	`
	upsertRoomAccountDataQuery = `
		INSERT INTO statestore_room_account_data (room_id, event_type, account_data)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, event_type) DO UPDATE SET account_data = excluded.account_data
	`
	upsertRoomInfoQuery = `
		INSERT INTO statestore_room_infos (room_id, room_info)
		VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET room_info = excluded.room_info
	`
	upsertPresenceQuery = `
		INSERT INTO statestore_presence (user_id, presence_event)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET presence_event = excluded.presence_event
	`
	upsertStrippedMemberQuery = `
		INSERT INTO statestore_stripped_members (room_id, state_key, member_event)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, state_key) DO UPDATE SET member_event = excluded.member_event
	`
	upsertStrippedStateQuery = `
		INSERT INTO statestore_stripped_room_state (room_id, event_type, state_key, state_event)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, event_type, state_key) DO UPDATE SET state_event = excluded.state_event
	`
	upsertReceiptQuery = `
		INSERT INTO statestore_room_receipts (room_id, receipt_type, user_id, event_id, receipt)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, receipt_type, user_id)
			DO UPDATE SET event_id = excluded.event_id, receipt = excluded.receipt
	`
)

// ApplyChanges persists a batch in a single transaction. Either every write
// in the batch commits or none of them do; the caller must re-apply the
// whole batch after resolving the returned error.
func (s *Store) ApplyChanges(ctx context.Context, batch *StateChangeBatch) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if batch.NextBatch != "" {
			if err := s.saveNextBatch(ctx, batch.UserID, batch.NextBatch); err != nil {
				return err
			}
		}
		for roomID, events := range batch.Members {
			for _, evt := range events {
				if err := s.saveMember(ctx, roomID, evt); err != nil {
					return err
				}
			}
		}
		for roomID, profiles := range batch.Profiles {
			for userID, profile := range profiles {
				if err := s.saveProfile(ctx, roomID, userID, profile); err != nil {
					return err
				}
			}
		}
		for roomID, names := range batch.DisplayNames {
			for userID, name := range names {
				if err := s.saveDisplayName(ctx, roomID, userID, name); err != nil {
					return err
				}
			}
		}
		for eventType, data := range batch.AccountData {
			if err := s.exec(ctx, upsertAccountDataQuery, eventType.Type, []byte(data)); err != nil {
				return err
			}
		}
		for roomID, events := range batch.RoomAccountData {
			for eventType, data := range events {
				if err := s.exec(ctx, upsertRoomAccountDataQuery, roomID, eventType.Type, []byte(data)); err != nil {
					return err
				}
			}
		}
		for roomID, info := range batch.RoomInfos {
			if err := s.saveRoomInfo(ctx, roomID, info); err != nil {
				return err
			}
		}
		for userID, presence := range batch.Presence {
			if err := s.exec(ctx, upsertPresenceQuery, userID, []byte(presence)); err != nil {
				return err
			}
		}
		for roomID, info := range batch.StrippedRoomInfos {
			if err := s.saveRoomInfo(ctx, roomID, info); err != nil {
				return err
			}
		}
		for roomID, events := range batch.StrippedMembers {
			for _, evt := range events {
				if err := s.saveStrippedMember(ctx, roomID, evt); err != nil {
					return err
				}
			}
		}
		for roomID, events := range batch.StrippedState {
			for _, evt := range events {
				if err := s.saveStrippedState(ctx, roomID, evt); err != nil {
					return err
				}
			}
		}
		for _, receipt := range batch.Receipts {
			err := s.exec(ctx, upsertReceiptQuery,
				receipt.RoomID, string(receipt.Type), receipt.UserID,
				receipt.EventID, []byte(receipt.Content))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.Exec(ctx, query, args...)
	return err
}

func (s *Store) saveNextBatch(ctx context.Context, userID id.UserID, nextBatch string) error {
	if userID == "" {
		return fmt.Errorf("sync cursor update without owner user id")
	}
	return s.exec(ctx, upsertSyncTokenQuery, userID, nextBatch)
}

func memberContent(evt *event.Event) (*event.MemberEventContent, error) {
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(event.StateMember); err != nil {
			return nil, err
		}
	}
	return evt.Content.AsMember(), nil
}

// saveMember stores the raw member event and updates the coarse membership
// status: join and invite upsert a status row, anything else deletes it.
// The raw member row is kept either way for profile history.
func (s *Store) saveMember(ctx context.Context, roomID id.RoomID, evt *event.Event) error {
	userID := id.UserID(evt.GetStateKey())
	if userID == "" {
		return fmt.Errorf("member event in %s has no state key", roomID)
	}
	content, err := memberContent(evt)
	if err != nil {
		return fmt.Errorf("failed to parse member event for %s in %s: %w", userID, roomID, err)
	}
	switch content.Membership {
	case event.MembershipJoin:
		if err := s.exec(ctx, upsertMemberStatusQuery, roomID, userID, string(StatusJoined)); err != nil {
			return err
		}
	case event.MembershipInvite:
		if err := s.exec(ctx, upsertMemberStatusQuery, roomID, userID, string(StatusInvited)); err != nil {
			return err
		}
	default:
		if err := s.exec(ctx, deleteMemberStatusQuery, roomID, userID); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal member event: %w", err)
	}
	return s.exec(ctx, upsertMemberQuery, roomID, userID, payload)
}

func (s *Store) saveProfile(ctx context.Context, roomID id.RoomID, userID id.UserID, profile *event.MemberEventContent) error {
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	return s.exec(ctx, upsertProfileQuery, roomID, userID, payload)
}

func (s *Store) saveDisplayName(ctx context.Context, roomID id.RoomID, userID id.UserID, name string) error {
	return s.exec(ctx, upsertDisplaynameQuery, roomID, userID, name)
}

func (s *Store) saveRoomInfo(ctx context.Context, roomID id.RoomID, info *RoomInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal room info: %w", err)
	}
	return s.exec(ctx, upsertRoomInfoQuery, roomID, payload)
}

func (s *Store) saveStrippedMember(ctx context.Context, roomID id.RoomID, evt *event.Event) error {
	stateKey := evt.GetStateKey()
	if stateKey == "" {
		return fmt.Errorf("stripped member event in %s has no state key", roomID)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal stripped member event: %w", err)
	}
	return s.exec(ctx, upsertStrippedMemberQuery, roomID, stateKey, payload)
}

func (s *Store) saveStrippedState(ctx context.Context, roomID id.RoomID, evt *event.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal stripped state event: %w", err)
	}
	return s.exec(ctx, upsertStrippedStateQuery, roomID, evt.Type.Type, evt.GetStateKey(), payload)
}

// SaveFilter stores a filter id under an arbitrary filter name.
func (s *Store) SaveFilter(ctx context.Context, name, filterID string) error {
	return s.exec(ctx, upsertFilterQuery, name, filterID)
}

// GetFilter returns the filter id stored under the given name, or "" if
// no filter has been saved under that name.
func (s *Store) GetFilter(ctx context.Context, name string) (string, error) {
	var filterID string
	err := s.db.QueryRow(ctx, getFilterQuery, name).Scan(&filterID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return filterID, err
}

// SaveFilterID implements mautrix.SyncStore. Each client's filter is stored
// under its user id as the filter name.
func (s *Store) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.SaveFilter(ctx, userID.String(), filterID)
}

// LoadFilterID implements mautrix.SyncStore.
func (s *Store) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.GetFilter(ctx, userID.String())
}

// SaveNextBatch implements mautrix.SyncStore.
func (s *Store) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatch string) error {
	return s.saveNextBatch(ctx, userID, nextBatch)
}

// LoadNextBatch implements mautrix.SyncStore. It returns "" if the user has
// never completed a sync.
func (s *Store) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	var nextBatch string
	err := s.db.QueryRow(ctx, getSyncTokenQuery, userID).Scan(&nextBatch)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return nextBatch, err
}

const (
	getMemberQuery = `
		SELECT sync_content FROM statestore_members WHERE room_id = $1 AND user_id = $2
	`
	getMembersQuery = `
		SELECT sync_content FROM statestore_members WHERE room_id = $1
	`
	getMembershipStatusQuery = `
		SELECT user_status FROM statestore_room_user_status WHERE room_id = $1 AND user_id = $2
	`
	getUserIDsQuery = `
		SELECT user_id FROM statestore_members WHERE room_id = $1
	`
	getUserIDsWithStatusQuery = `
		SELECT user_id FROM statestore_room_user_status WHERE room_id = $1 AND user_status = $2
	`
	getProfileQuery = `
		SELECT profile_data FROM statestore_profiles WHERE room_id = $1 AND user_id = $2
	`
	getUsersWithDisplayNameQuery = `
		SELECT user_id FROM statestore_displaynames WHERE room_id = $1 AND displayname = $2
	`
	getAccountDataQuery = `
		SELECT event_data FROM statestore_account_data WHERE event_type = $1
	`
	getRoomAccountDataQuery = `
		SELECT account_data FROM statestore_room_account_data WHERE room_id = $1 AND event_type = $2
	`
	getRoomInfoQuery = `
		SELECT room_info FROM statestore_room_infos WHERE room_id = $1
	`
	getRoomInfosQuery = `
		SELECT room_info FROM statestore_room_infos
	`
	getPresenceQuery = `
		SELECT presence_event FROM statestore_presence WHERE user_id = $1
	`
	getStrippedStateEventQuery = `
		SELECT state_event FROM statestore_stripped_room_state
		WHERE room_id = $1 AND event_type = $2 AND state_key = $3
	`
	getStrippedStateEventsQuery = `
		SELECT state_event FROM statestore_stripped_room_state
		WHERE room_id = $1 AND event_type = $2
	`
	getReceiptQuery = `
		SELECT event_id, receipt FROM statestore_room_receipts
		WHERE room_id = $1 AND receipt_type = $2 AND user_id = $3
	`
)

func scanEvent(row dbutil.Scannable) (*event.Event, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return nil, err
	}
	var evt event.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored event: %w", err)
	}
	return &evt, nil
}

// GetMember returns the latest raw member event for the user in the room,
// or nil if none is stored.
func (s *Store) GetMember(ctx context.Context, roomID id.RoomID, userID id.UserID) (*event.Event, error) {
	evt, err := scanEvent(s.db.QueryRow(ctx, getMemberQuery, roomID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return evt, err
}

// GetMembershipStatus returns the coarse membership status for the user in
// the room, or "" if the user is neither joined nor invited.
func (s *Store) GetMembershipStatus(ctx context.Context, roomID id.RoomID, userID id.UserID) (MembershipStatus, error) {
	var status MembershipStatus
	err := s.db.QueryRow(ctx, getMembershipStatusQuery, roomID, userID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return status, err
}

// GetUserIDs returns every user with a stored member event in the room.
func (s *Store) GetUserIDs(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	return dbutil.ConvertRowFn[id.UserID](scanUserID).
		NewRowIter(s.db.Query(ctx, getUserIDsQuery, roomID)).
		AsList()
}

// GetUserIDsWithStatus returns the users whose coarse membership status in
// the room matches the given status.
func (s *Store) GetUserIDsWithStatus(ctx context.Context, roomID id.RoomID, status MembershipStatus) ([]id.UserID, error) {
	return dbutil.ConvertRowFn[id.UserID](scanUserID).
		NewRowIter(s.db.Query(ctx, getUserIDsWithStatusQuery, roomID, string(status))).
		AsList()
}

func scanUserID(row dbutil.Scannable) (id.UserID, error) {
	var userID id.UserID
	err := row.Scan(&userID)
	return userID, err
}

// GetProfile returns the latest profile content for the user in the room,
// or nil if none is stored.
func (s *Store) GetProfile(ctx context.Context, roomID id.RoomID, userID id.UserID) (*event.MemberEventContent, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, getProfileQuery, roomID, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var profile event.MemberEventContent
	if err := json.Unmarshal(payload, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return &profile, nil
}

// GetUsersWithDisplayName returns the users that currently use the given
// display name in the room.
func (s *Store) GetUsersWithDisplayName(ctx context.Context, roomID id.RoomID, name string) ([]id.UserID, error) {
	return dbutil.ConvertRowFn[id.UserID](scanUserID).
		NewRowIter(s.db.Query(ctx, getUsersWithDisplayNameQuery, roomID, name)).
		AsList()
}

// GetStateEvent returns a single state event. Member events are served from
// the member table; every other type comes from the stripped state table,
// the only place arbitrary state is persisted.
func (s *Store) GetStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string) (*event.Event, error) {
	var evt *event.Event
	var err error
	if eventType == event.StateMember {
		evt, err = scanEvent(s.db.QueryRow(ctx, getMemberQuery, roomID, stateKey))
	} else {
		evt, err = scanEvent(s.db.QueryRow(ctx, getStrippedStateEventQuery, roomID, eventType.Type, stateKey))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return evt, err
}

// GetStateEvents returns all state events of the given type in the room.
func (s *Store) GetStateEvents(ctx context.Context, roomID id.RoomID, eventType event.Type) ([]*event.Event, error) {
	if eventType == event.StateMember {
		return dbutil.ConvertRowFn[*event.Event](scanEvent).
			NewRowIter(s.db.Query(ctx, getMembersQuery, roomID)).
			AsList()
	}
	return dbutil.ConvertRowFn[*event.Event](scanEvent).
		NewRowIter(s.db.Query(ctx, getStrippedStateEventsQuery, roomID, eventType.Type)).
		AsList()
}

// GetAccountData returns the stored global account data event content for
// the type, or nil if none is stored.
func (s *Store) GetAccountData(ctx context.Context, eventType event.Type) (json.RawMessage, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, getAccountDataQuery, eventType.Type).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return payload, err
}

// GetRoomAccountData returns the stored per-room account data event content
// for the type, or nil if none is stored.
func (s *Store) GetRoomAccountData(ctx context.Context, roomID id.RoomID, eventType event.Type) (json.RawMessage, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, getRoomAccountDataQuery, roomID, eventType.Type).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return payload, err
}

// GetRoomInfo returns the stored metadata for the room, or nil if the room
// is unknown.
func (s *Store) GetRoomInfo(ctx context.Context, roomID id.RoomID) (*RoomInfo, error) {
	info, err := scanRoomInfo(s.db.QueryRow(ctx, getRoomInfoQuery, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return info, err
}

// GetRoomInfos returns metadata for every known room.
func (s *Store) GetRoomInfos(ctx context.Context) ([]*RoomInfo, error) {
	return dbutil.ConvertRowFn[*RoomInfo](scanRoomInfo).
		NewRowIter(s.db.Query(ctx, getRoomInfosQuery)).
		AsList()
}

func scanRoomInfo(row dbutil.Scannable) (*RoomInfo, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return nil, err
	}
	var info RoomInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room info: %w", err)
	}
	return &info, nil
}

// GetPresence returns the latest presence event content for the user, or
// nil if none is stored.
func (s *Store) GetPresence(ctx context.Context, userID id.UserID) (json.RawMessage, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, getPresenceQuery, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return payload, err
}

// GetReceipt returns the latest receipt of the given type the user sent in
// the room, along with the event it points at. The event id is "" if no
// receipt is stored.
func (s *Store) GetReceipt(ctx context.Context, roomID id.RoomID, receiptType event.ReceiptType, userID id.UserID) (id.EventID, json.RawMessage, error) {
	var eventID id.EventID
	var payload []byte
	err := s.db.QueryRow(ctx, getReceiptQuery, roomID, string(receiptType), userID).Scan(&eventID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	return eventID, payload, err
}

var roomScopedTables = []string{
	"statestore_members",
	"statestore_room_user_status",
	"statestore_profiles",
	"statestore_displaynames",
	"statestore_room_account_data",
	"statestore_room_infos",
	"statestore_stripped_members",
	"statestore_stripped_room_state",
	"statestore_room_receipts",
}

// RemoveRoom deletes every row keyed by the given room, in one transaction.
func (s *Store) RemoveRoom(ctx context.Context, roomID id.RoomID) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, table := range roomScopedTables {
			if err := s.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE room_id = $1", table), roomID); err != nil {
				return fmt.Errorf("failed to delete from %s: %w", table, err)
			}
		}
		return nil
	})
}
