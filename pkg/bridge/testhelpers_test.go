// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"

	_ "github.com/mattn/go-sqlite3"

	"github.com/DarkKirb/discord-bridge/pkg/statestore"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeHS is a test helper that wraps an httptest.Server simulating the
// Matrix client-server API endpoints the bridge talks to. It records calls
// and derives sync responses from its join bookkeeping.
type fakeHS struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Taken marks localparts as already registered, so /register returns
	// M_USER_IN_USE for them.
	Taken map[string]bool
	// FailCounts causes the next N requests matching a path substring to
	// return 500 before succeeding again.
	FailCounts map[string]int
	// RoomNames sets the m.room.name state returned for joined rooms.
	RoomNames map[id.RoomID]string
	// IgnoreJoins makes the join endpoint answer 200 without actually
	// recording the membership, so later syncs never see the room.
	IgnoreJoins bool

	joined      map[id.RoomID]map[id.UserID]bool
	syncCounter int
}

func newFakeHS() *fakeHS {
	f := &fakeHS{
		Taken:      make(map[string]bool),
		FailCounts: make(map[string]int),
		RoomNames:  make(map[id.RoomID]string),
		joined:     make(map[id.RoomID]map[id.UserID]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeHS) Close() {
	f.Server.Close()
}

func (f *fakeHS) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

// CalledPath reports whether any recorded call's path contains the given
// substring.
func (f *fakeHS) CalledPath(fragment string) bool {
	return f.CountPath(fragment) > 0
}

// CountPath counts recorded calls whose path contains the given substring.
func (f *fakeHS) CountPath(fragment string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if strings.Contains(call.Path, fragment) {
			n++
		}
	}
	return n
}

// MarkJoined makes the fake treat the user as a member of the room.
func (f *fakeHS) MarkJoined(roomID id.RoomID, userID id.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joined[roomID] == nil {
		f.joined[roomID] = make(map[id.UserID]bool)
	}
	f.joined[roomID][userID] = true
}

func (f *fakeHS) shouldFail(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fragment, remaining := range f.FailCounts {
		if remaining > 0 && strings.Contains(path, fragment) {
			f.FailCounts[fragment]--
			return true
		}
	}
	return false
}

func (f *fakeHS) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))
	w.Header().Set("Content-Type", "application/json")
	if f.shouldFail(r.URL.Path) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN","error":"fake failure"}`))
		return
	}
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/register"):
		var req struct {
			Username string `json:"username"`
		}
		_ = json.Unmarshal(body, &req)
		f.mu.Lock()
		taken := f.Taken[req.Username]
		if !taken {
			f.Taken[req.Username] = true
		}
		f.mu.Unlock()
		if taken {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errcode":"M_USER_IN_USE","error":"Desired user ID is already taken."}`))
			return
		}
		writeJSON(w, map[string]any{"user_id": "@" + req.Username + ":example.com"})
	case strings.HasSuffix(path, "/join"):
		parts := strings.Split(path, "/")
		roomID := id.RoomID(parts[len(parts)-2])
		if !f.IgnoreJoins {
			f.MarkJoined(roomID, id.UserID(r.URL.Query().Get("user_id")))
		}
		writeJSON(w, map[string]any{"room_id": roomID})
	case strings.HasSuffix(path, "/sync"):
		writeJSON(w, f.syncResponse(id.UserID(r.URL.Query().Get("user_id"))))
	case strings.HasSuffix(path, "/login"):
		var req struct {
			DeviceID   string `json:"device_id"`
			Identifier struct {
				User string `json:"user"`
			} `json:"identifier"`
		}
		_ = json.Unmarshal(body, &req)
		writeJSON(w, map[string]any{
			"user_id":      "@" + req.Identifier.User + ":example.com",
			"device_id":    req.DeviceID,
			"access_token": "syt_fake_token",
		})
	case strings.Contains(path, "/invite"):
		writeJSON(w, map[string]any{})
	case strings.Contains(path, "/send/"):
		writeJSON(w, map[string]any{"event_id": "$sent"})
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`))
	}
}

func (f *fakeHS) syncResponse(userID id.UserID) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCounter++
	join := make(map[string]any)
	for roomID, members := range f.joined {
		if !members[userID] {
			continue
		}
		var stateEvents []any
		for member := range members {
			stateEvents = append(stateEvents, memberJSON(member, "join"))
		}
		if name := f.RoomNames[roomID]; name != "" {
			stateEvents = append(stateEvents, map[string]any{
				"type":             "m.room.name",
				"state_key":        "",
				"sender":           string(userID),
				"event_id":         "$name-" + string(roomID),
				"origin_server_ts": 1700000000000,
				"content":          map[string]any{"name": name},
			})
		}
		join[string(roomID)] = map[string]any{
			"state":    map[string]any{"events": stateEvents},
			"timeline": map[string]any{"events": []any{}, "prev_batch": "pb1"},
		}
	}
	return map[string]any{
		"next_batch": fmt.Sprintf("s%d", f.syncCounter),
		"rooms":      map[string]any{"join": join},
	}
}

func memberJSON(userID id.UserID, membership string) map[string]any {
	return map[string]any{
		"type":             "m.room.member",
		"state_key":        string(userID),
		"sender":           string(userID),
		"event_id":         "$member-" + string(userID),
		"origin_server_ts": 1700000000000,
		"content":          map[string]any{"membership": membership},
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	_ = json.NewEncoder(w).Encode(payload)
}

// newTestStore opens a fresh sqlite-backed state store.
func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	db, err := dbutil.NewWithDialect("file:"+t.TempDir()+"/test.db", "sqlite3")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	store := statestore.New(db, zerolog.Nop())
	if err := store.Upgrade(context.Background()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return store
}

// newTestBridge assembles a bridge against the fake homeserver with a
// sqlite state store and instant retries.
func newTestBridge(t *testing.T, fake *fakeHS) *Bridge {
	t.Helper()
	cfg := &Config{
		Homeserver: HomeserverConfig{
			Address: fake.Server.URL,
			Domain:  "example.com",
		},
		Bridge: BridgeConfig{
			Prefix: "_test",
		},
	}
	reg := &appservice.Registration{
		AppToken:        "fake_as_token",
		ServerToken:     "fake_hs_token",
		SenderLocalpart: cfg.BotLocalpart(),
	}
	br := &Bridge{
		cfg:          cfg,
		reg:          reg,
		log:          zerolog.Nop(),
		store:        newTestStore(t),
		botLocalpart: cfg.BotLocalpart(),
		botUserID:    cfg.BotUserID(),
		puppets:      exsync.NewMap[GuestUserID, *Puppet](),
		joinBackoff: backoffPolicy{
			Initial: 2 * time.Second,
			Cap:     8 * time.Second,
			sleep: func(context.Context, time.Duration) error {
				return nil
			},
		},
	}
	br.queue = NewQueue(br.log, br)
	var err error
	br.asClient, err = mautrix.NewClient(fake.Server.URL, "", reg.AppToken)
	if err != nil {
		t.Fatalf("failed to create appservice client: %v", err)
	}
	br.bot, err = br.newPuppet(br.botUserID)
	if err != nil {
		t.Fatalf("failed to create bot puppet: %v", err)
	}
	return br
}
