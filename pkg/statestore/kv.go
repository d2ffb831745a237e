// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package statestore

import (
	"context"
	"database/sql"
	"errors"

	"maunium.net/go/mautrix/id"
)

// CustomKey names an entry in the per-user custom value store. The key set
// is closed: only session-related blobs live here, so other consumers
// cannot collide with them.
type CustomKey string

const (
	// KeyDeviceID stores the device id a client logs in with.
	KeyDeviceID CustomKey = "device_id"
	// KeySession stores the cached login session (JSON) of a client.
	KeySession CustomKey = "session"
)

const (
	upsertCustomValueQuery = `
		INSERT INTO statestore_custom_values (user_id, custom_key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, custom_key) DO UPDATE SET value = excluded.value
	`
	getCustomValueQuery = `
		SELECT value FROM statestore_custom_values WHERE user_id = $1 AND custom_key = $2
	`
	deleteCustomValueQuery = `
		DELETE FROM statestore_custom_values WHERE user_id = $1 AND custom_key = $2
	`
)

// SetCustomValue stores an opaque blob under (user, key).
func (s *Store) SetCustomValue(ctx context.Context, userID id.UserID, key CustomKey, value []byte) error {
	return s.exec(ctx, upsertCustomValueQuery, userID, string(key), value)
}

// GetCustomValue returns the blob stored under (user, key), or nil if none
// is stored.
func (s *Store) GetCustomValue(ctx context.Context, userID id.UserID, key CustomKey) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx, getCustomValueQuery, userID, string(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return value, err
}

// DeleteCustomValue removes the blob stored under (user, key).
func (s *Store) DeleteCustomValue(ctx context.Context, userID id.UserID, key CustomKey) error {
	return s.exec(ctx, deleteCustomValueQuery, userID, string(key))
}

const (
	upsertMediaQuery = `
		INSERT INTO statestore_media (media_url, content)
		VALUES ($1, $2)
		ON CONFLICT (media_url) DO UPDATE SET content = excluded.content
	`
	getMediaQuery = `
		SELECT content FROM statestore_media WHERE media_url = $1
	`
	deleteMediaQuery = `
		DELETE FROM statestore_media WHERE media_url = $1
	`
)

// AddMedia stores the content of a media file under its content URI.
func (s *Store) AddMedia(ctx context.Context, uri id.ContentURIString, content []byte) error {
	return s.exec(ctx, upsertMediaQuery, string(uri), content)
}

// GetMedia returns the stored content for a content URI, or nil if the
// media is not cached.
func (s *Store) GetMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	var content []byte
	err := s.db.QueryRow(ctx, getMediaQuery, string(uri)).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return content, err
}

// RemoveMedia deletes the stored content for a content URI.
func (s *Store) RemoveMedia(ctx context.Context, uri id.ContentURIString) error {
	return s.exec(ctx, deleteMediaQuery, string(uri))
}

// UserMapping ties a Matrix user to the guest-network credential they
// registered and the management room the registration came from.
type UserMapping struct {
	UserID         id.UserID
	ManagementRoom id.RoomID
	Token          string
}

const (
	insertUserMappingQuery = `
		INSERT INTO bridge_user_mappings (user_id, management_room, token)
		VALUES ($1, $2, $3)
	`
	getUserMappingQuery = `
		SELECT user_id, management_room, token FROM bridge_user_mappings WHERE user_id = $1
	`
	deleteUserMappingQuery = `
		DELETE FROM bridge_user_mappings WHERE user_id = $1
	`
)

// PutUserMapping stores a credential mapping for a user, replacing any
// prior mapping in the same transaction.
func (s *Store) PutUserMapping(ctx context.Context, mapping UserMapping) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if err := s.exec(ctx, deleteUserMappingQuery, mapping.UserID); err != nil {
			return err
		}
		return s.exec(ctx, insertUserMappingQuery, mapping.UserID, mapping.ManagementRoom, mapping.Token)
	})
}

// GetUserMapping returns the credential mapping for a user, or nil if the
// user is not registered.
func (s *Store) GetUserMapping(ctx context.Context, userID id.UserID) (*UserMapping, error) {
	var mapping UserMapping
	err := s.db.QueryRow(ctx, getUserMappingQuery, userID).
		Scan(&mapping.UserID, &mapping.ManagementRoom, &mapping.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// DeleteUserMapping removes the credential mapping for a user.
func (s *Store) DeleteUserMapping(ctx context.Context, userID id.UserID) error {
	return s.exec(ctx, deleteUserMappingQuery, userID)
}
