// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package statestore

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MembershipStatus is the coarse membership view derived from member events.
// Anything other than join/invite removes the status row entirely, so there
// is no constant for "removed".
type MembershipStatus string

const (
	StatusJoined  MembershipStatus = "joined"
	StatusInvited MembershipStatus = "invited"
)

// RoomInfo is the persisted metadata snapshot for a single room. The same
// row family serves both regular and stripped (pre-join) room info; the
// Stripped flag records which kind wrote the row last.
type RoomInfo struct {
	ID         id.RoomID        `json:"id"`
	Membership event.Membership `json:"membership,omitempty"`
	Name       string           `json:"name,omitempty"`
	PrevBatch  string           `json:"prev_batch,omitempty"`
	Stripped   bool             `json:"stripped,omitempty"`
}

// Receipt is a single read receipt delivered in an m.receipt ephemeral
// event, flattened to its natural key (room, type, user).
type Receipt struct {
	RoomID  id.RoomID
	EventID id.EventID
	Type    event.ReceiptType
	UserID  id.UserID
	Content json.RawMessage
}

// StateChangeBatch is one atomic unit of sync state, produced once per sync
// cycle. Applying the same batch twice is idempotent: every write inside it
// is an upsert keyed by the entity's natural identity.
type StateChangeBatch struct {
	// UserID is the syncing identity that owns the NextBatch cursor.
	UserID id.UserID
	// NextBatch is the sync cursor after this batch. Empty means unchanged.
	NextBatch string

	Members           map[id.RoomID][]*event.Event
	Profiles          map[id.RoomID]map[id.UserID]*event.MemberEventContent
	DisplayNames      map[id.RoomID]map[id.UserID]string
	AccountData       map[event.Type]json.RawMessage
	RoomAccountData   map[id.RoomID]map[event.Type]json.RawMessage
	RoomInfos         map[id.RoomID]*RoomInfo
	Presence          map[id.UserID]json.RawMessage
	StrippedRoomInfos map[id.RoomID]*RoomInfo
	StrippedMembers   map[id.RoomID][]*event.Event
	StrippedState     map[id.RoomID][]*event.Event
	Receipts          []Receipt
}

// NewBatch creates an empty batch owned by the given user.
func NewBatch(userID id.UserID) *StateChangeBatch {
	return &StateChangeBatch{
		UserID:            userID,
		Members:           make(map[id.RoomID][]*event.Event),
		Profiles:          make(map[id.RoomID]map[id.UserID]*event.MemberEventContent),
		DisplayNames:      make(map[id.RoomID]map[id.UserID]string),
		AccountData:       make(map[event.Type]json.RawMessage),
		RoomAccountData:   make(map[id.RoomID]map[event.Type]json.RawMessage),
		RoomInfos:         make(map[id.RoomID]*RoomInfo),
		Presence:          make(map[id.UserID]json.RawMessage),
		StrippedRoomInfos: make(map[id.RoomID]*RoomInfo),
		StrippedMembers:   make(map[id.RoomID][]*event.Event),
		StrippedState:     make(map[id.RoomID][]*event.Event),
	}
}

// AddMember records a member state event and its derived profile and
// display name for the room.
func (b *StateChangeBatch) AddMember(roomID id.RoomID, evt *event.Event) {
	b.Members[roomID] = append(b.Members[roomID], evt)
	userID := id.UserID(evt.GetStateKey())
	content := evt.Content.AsMember()
	if b.Profiles[roomID] == nil {
		b.Profiles[roomID] = make(map[id.UserID]*event.MemberEventContent)
	}
	b.Profiles[roomID][userID] = content
	if content.Displayname != "" {
		if b.DisplayNames[roomID] == nil {
			b.DisplayNames[roomID] = make(map[id.UserID]string)
		}
		b.DisplayNames[roomID][userID] = content.Displayname
	}
}

// AddReceipts flattens a parsed m.receipt event content into receipt rows.
func (b *StateChangeBatch) AddReceipts(roomID id.RoomID, content event.ReceiptEventContent) {
	for eventID, receipts := range content {
		for receiptType, users := range receipts {
			for userID, receipt := range users {
				raw, err := json.Marshal(receipt)
				if err != nil {
					continue
				}
				b.Receipts = append(b.Receipts, Receipt{
					RoomID:  roomID,
					EventID: eventID,
					Type:    receiptType,
					UserID:  userID,
					Content: raw,
				})
			}
		}
	}
}

// IsEmpty reports whether applying the batch would write nothing.
func (b *StateChangeBatch) IsEmpty() bool {
	return b.NextBatch == "" &&
		len(b.Members) == 0 &&
		len(b.Profiles) == 0 &&
		len(b.DisplayNames) == 0 &&
		len(b.AccountData) == 0 &&
		len(b.RoomAccountData) == 0 &&
		len(b.RoomInfos) == 0 &&
		len(b.Presence) == 0 &&
		len(b.StrippedRoomInfos) == 0 &&
		len(b.StrippedMembers) == 0 &&
		len(b.StrippedState) == 0 &&
		len(b.Receipts) == 0
}
