// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command discord-bridge is a Matrix-Discord puppeting appservice. It keeps
// durable per-identity sync state in Postgres, lazily provisions a Matrix
// puppet per Discord user, and processes room events through a supervised
// work queue.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/appservice"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/DarkKirb/discord-bridge/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath           = flag.MakeFull("c", "config", "The path to the config file.", "config.yaml").String()
	registrationPath     = flag.MakeFull("r", "registration", "The path to the appservice registration file.", "registration.yaml").String()
	generateRegistration = flag.MakeFull("g", "generate-registration", "Generate the registration file and quit.", "false").Bool()
	wantHelp, _          = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"discord-bridge - A Matrix-Discord puppeting appservice.",
		"discord-bridge [-h] [-c <path>] [-r <path>] [-g]")
	if err := flag.Parse(); err != nil {
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	}

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
	exzerolog.SetupDefaults(&log)

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	if *generateRegistration {
		reg := bridge.GenerateRegistration(cfg)
		if err := reg.Save(*registrationPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to save registration")
		}
		log.Info().Str("path", *registrationPath).Msg("Wrote registration file")
		return
	}

	reg, err := appservice.LoadRegistration(*registrationPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load registration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	br, err := bridge.New(ctx, cfg, reg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridge")
	}
	defer func() {
		if err := br.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting discord-bridge")
	if err := br.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}
