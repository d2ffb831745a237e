// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/DarkKirb/discord-bridge/pkg/statestore"
)

// BuildBatch converts a sync response into one atomic state change batch
// for the given syncing identity. Events the data model has no home for
// (ephemeral typing, to-device, and so on) are dropped here.
//
// Type classes are not sent over the wire, so every event gets its class
// fixed up here before anything compares or parses types.
func BuildBatch(userID id.UserID, resp *mautrix.RespSync) *statestore.StateChangeBatch {
	batch := statestore.NewBatch(userID)
	batch.NextBatch = resp.NextBatch

	for _, evt := range resp.AccountData.Events {
		evt.Type.Class = event.AccountDataEventType
		batch.AccountData[evt.Type] = evt.Content.VeryRaw
	}
	for _, evt := range resp.Presence.Events {
		evt.Type.Class = event.EphemeralEventType
		batch.Presence[evt.Sender] = evt.Content.VeryRaw
	}

	for roomID, room := range resp.Rooms.Join {
		info := &statestore.RoomInfo{
			ID:         roomID,
			Membership: event.MembershipJoin,
			PrevBatch:  room.Timeline.PrevBatch,
		}
		for _, evt := range room.State.Events {
			addStateEvent(batch, info, roomID, evt)
		}
		for _, evt := range room.Timeline.Events {
			addTimelineEvent(batch, info, roomID, evt)
		}
		batch.RoomInfos[roomID] = info
		for _, evt := range room.AccountData.Events {
			evt.Type.Class = event.AccountDataEventType
			if batch.RoomAccountData[roomID] == nil {
				batch.RoomAccountData[roomID] = make(map[event.Type]json.RawMessage)
			}
			batch.RoomAccountData[roomID][evt.Type] = evt.Content.VeryRaw
		}
		for _, evt := range room.Ephemeral.Events {
			evt.Type.Class = event.EphemeralEventType
			if evt.Type != event.EphemeralEventReceipt {
				continue
			}
			if err := evt.Content.ParseRaw(evt.Type); err != nil {
				continue
			}
			batch.AddReceipts(roomID, *evt.Content.AsReceipt())
		}
	}

	for roomID, room := range resp.Rooms.Leave {
		info := &statestore.RoomInfo{
			ID:         roomID,
			Membership: event.MembershipLeave,
			PrevBatch:  room.Timeline.PrevBatch,
		}
		for _, evt := range room.State.Events {
			addStateEvent(batch, info, roomID, evt)
		}
		for _, evt := range room.Timeline.Events {
			addTimelineEvent(batch, info, roomID, evt)
		}
		batch.RoomInfos[roomID] = info
	}

	for roomID, room := range resp.Rooms.Invite {
		info := &statestore.RoomInfo{
			ID:         roomID,
			Membership: event.MembershipInvite,
			Stripped:   true,
		}
		for _, evt := range room.State.Events {
			if evt.StateKey == nil {
				continue
			}
			evt.RoomID = roomID
			evt.Type.Class = event.StateEventType
			_ = evt.Content.ParseRaw(evt.Type)
			switch evt.Type {
			case event.StateMember:
				batch.StrippedMembers[roomID] = append(batch.StrippedMembers[roomID], evt)
			case event.StateRoomName:
				info.Name = evt.Content.AsRoomName().Name
				batch.StrippedState[roomID] = append(batch.StrippedState[roomID], evt)
			default:
				batch.StrippedState[roomID] = append(batch.StrippedState[roomID], evt)
			}
		}
		batch.StrippedRoomInfos[roomID] = info
	}

	return batch
}

func addStateEvent(batch *statestore.StateChangeBatch, info *statestore.RoomInfo, roomID id.RoomID, evt *event.Event) {
	evt.RoomID = roomID
	evt.Type.Class = event.StateEventType
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		return
	}
	switch evt.Type {
	case event.StateMember:
		batch.AddMember(roomID, evt)
	case event.StateRoomName:
		info.Name = evt.Content.AsRoomName().Name
	}
}

func addTimelineEvent(batch *statestore.StateChangeBatch, info *statestore.RoomInfo, roomID id.RoomID, evt *event.Event) {
	if evt.StateKey != nil {
		addStateEvent(batch, info, roomID, evt)
		return
	}
	evt.RoomID = roomID
	evt.Type.Class = event.MessageEventType
}

// dispatchFunc forwards an event to the work queue. nil means the syncing
// identity only persists state and never produces work items.
type dispatchFunc func(QueueEvent) error

// batchSyncer implements mautrix.Syncer for one identity: every sync
// response is converted to a state batch, committed in a single
// transaction, and only then forwarded to the queue. The cursor advances
// with the state it describes or not at all.
type batchSyncer struct {
	log      zerolog.Logger
	userID   id.UserID
	store    *statestore.Store
	dispatch dispatchFunc
}

var _ mautrix.Syncer = (*batchSyncer)(nil)

func newBatchSyncer(log zerolog.Logger, userID id.UserID, store *statestore.Store, dispatch dispatchFunc) *batchSyncer {
	return &batchSyncer{
		log:      log.With().Str("syncer", userID.String()).Logger(),
		userID:   userID,
		store:    store,
		dispatch: dispatch,
	}
}

func (s *batchSyncer) ProcessResponse(ctx context.Context, resp *mautrix.RespSync, since string) error {
	batch := BuildBatch(s.userID, resp)
	if err := s.store.ApplyChanges(ctx, batch); err != nil {
		return fmt.Errorf("failed to apply sync batch: %w", err)
	}
	if s.dispatch == nil {
		return nil
	}
	for _, events := range batch.StrippedMembers {
		for _, evt := range events {
			s.enqueue(QueueEvent{Kind: KindMemberEvent, Evt: evt})
		}
	}
	for roomID, room := range resp.Rooms.Join {
		for _, evt := range room.Timeline.Events {
			if evt.Type != event.EventMessage {
				continue
			}
			if err := evt.Content.ParseRaw(evt.Type); err != nil {
				continue
			}
			evt.RoomID = roomID
			s.enqueue(QueueEvent{Kind: KindMessageEvent, Evt: evt})
		}
	}
	return nil
}

func (s *batchSyncer) enqueue(evt QueueEvent) {
	if err := s.dispatch(evt); err != nil {
		s.log.Warn().Err(err).
			Str("event_id", evt.Evt.ID.String()).
			Msg("Dropped event instead of enqueueing")
	}
}

func (s *batchSyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	s.log.Error().Err(err).Msg("Sync failed, retrying in 10 seconds")
	return 10 * time.Second, nil
}

func (s *batchSyncer) GetFilterJSON(_ id.UserID) *mautrix.Filter {
	return &mautrix.Filter{
		Room: &mautrix.RoomFilter{
			Timeline: &mautrix.FilterPart{
				Limit: 50,
			},
		},
	}
}
