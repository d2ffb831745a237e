// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"

	"github.com/DarkKirb/discord-bridge/pkg/statestore"
)

// Bridge owns the sync state store, the puppet clients, and the event
// queue, and ties them together into one appservice process.
type Bridge struct {
	cfg *Config
	reg *appservice.Registration
	log zerolog.Logger

	db    *dbutil.Database
	store *statestore.Store
	queue *Queue

	// bot is the bridge's own Matrix identity; its sync feed drives the
	// queue. asClient authenticates with the raw appservice token and is
	// only used for registering localparts.
	bot      *Puppet
	asClient *mautrix.Client

	botLocalpart string
	botUserID    id.UserID

	puppets     *exsync.Map[GuestUserID, *Puppet]
	joinBackoff backoffPolicy
}

// New connects to the database, runs migrations, provisions the bot
// identity, and returns a bridge ready to Run.
func New(ctx context.Context, cfg *Config, reg *appservice.Registration, log zerolog.Logger) (*Bridge, error) {
	db, err := dbutil.NewFromConfig("discord-bridge", cfg.Bridge.Database, dbutil.ZeroLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store := statestore.New(db, log)
	if err := store.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	br := &Bridge{
		cfg:          cfg,
		reg:          reg,
		log:          log,
		db:           db,
		store:        store,
		botLocalpart: cfg.BotLocalpart(),
		botUserID:    cfg.BotUserID(),
		puppets:      exsync.NewMap[GuestUserID, *Puppet](),
		joinBackoff: backoffPolicy{
			Initial: 2 * time.Second,
			Cap:     8 * time.Second,
		},
	}
	br.queue = NewQueue(log, br)
	br.asClient, err = mautrix.NewClient(cfg.Homeserver.Address, "", reg.AppToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create appservice client: %w", err)
	}
	br.asClient.Log = log.With().Str("client", "appservice").Logger()
	br.bot, err = br.newPuppet(br.botUserID)
	if err != nil {
		return nil, err
	}
	br.bot.Client.Syncer = newBatchSyncer(log, br.botUserID, store, br.queue.Dispatch)
	if err := br.registerLocalpart(ctx, br.botLocalpart); err != nil {
		return nil, err
	}
	if err := br.ensureBotSession(ctx); err != nil {
		return nil, err
	}
	return br, nil
}

// newClient creates a Matrix client for one bridge-owned identity. The
// client persists its sync cursor and filter id through the state store
// and impersonates the identity with the appservice token until a real
// session replaces the credentials.
func (br *Bridge) newClient(userID id.UserID) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(br.cfg.Homeserver.Address, userID, br.reg.AppToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", userID, err)
	}
	client.SetAppServiceUserID = true
	client.Store = br.store
	client.Log = br.log.With().Str("client", userID.String()).Logger()
	client.Syncer = newBatchSyncer(br.log, userID, br.store, nil)
	return client, nil
}

// Store exposes the sync state store for read access.
func (br *Bridge) Store() *statestore.Store {
	return br.store
}

// Dispatch enqueues a work item for the queue supervisor.
func (br *Bridge) Dispatch(evt QueueEvent) error {
	return br.queue.Dispatch(evt)
}

// Run starts the queue supervisor and the bot sync loop and blocks until
// the context is cancelled. On shutdown the queue is drained before Run
// returns; the queue deliberately outlives the context so in-flight
// handlers can finish their Matrix calls.
func (br *Bridge) Run(ctx context.Context) error {
	go br.queue.Run(context.WithoutCancel(ctx))
	br.log.Info().Msg("Starting sync loop")
	err := br.bot.Client.SyncWithContext(ctx)
	if closeErr := br.queue.Close(); closeErr != nil {
		br.log.Debug().Err(closeErr).Msg("Queue was already shut down")
	}
	br.queue.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync loop failed: %w", err)
	}
	br.log.Info().Msg("Bridge stopped")
	return nil
}

// Close releases the database.
func (br *Bridge) Close() error {
	return br.db.Close()
}
