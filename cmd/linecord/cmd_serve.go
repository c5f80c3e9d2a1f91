// LineCord - LINE <-> Discord message bridge
// License: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linecord/linecord/pkg/bridge"
	"github.com/linecord/linecord/pkg/bus"
	"github.com/linecord/linecord/pkg/logger"
	"github.com/linecord/linecord/pkg/media"
	"github.com/linecord/linecord/pkg/platform/discord"
	"github.com/linecord/linecord/pkg/platform/line"
	"github.com/linecord/linecord/pkg/store"
)

func serveCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid config: %v\n", err)
		fmt.Println("Run 'linecord onboard' to create a starter config.")
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	st, err := store.New(cfg.Bridge.StateDir)
	if err != nil {
		fmt.Printf("Error opening state dir: %v\n", err)
		os.Exit(1)
	}

	lineClient, err := line.NewClient(cfg.LINE, cfg.Media.MaxDownloadBytes)
	if err != nil {
		fmt.Printf("Error creating LINE client: %v\n", err)
		os.Exit(1)
	}

	sendTimeout := time.Duration(cfg.Bridge.SendTimeoutSeconds) * time.Second
	discordClient, err := discord.NewClient(cfg.Discord, sendTimeout)
	if err != nil {
		fmt.Printf("Error creating Discord client: %v\n", err)
		os.Exit(1)
	}

	bindings, err := bridge.NewBindingStore(discordClient, st)
	if err != nil {
		fmt.Printf("Error loading bindings: %v\n", err)
		os.Exit(1)
	}
	links, err := bridge.NewMessageLinkStore(cfg.Bridge.MaxMessageMappings, st)
	if err != nil {
		fmt.Printf("Error loading message links: %v\n", err)
		os.Exit(1)
	}

	deliverer := bridge.NewDeliverer(discordClient, bindings)
	limits := media.Limits{
		Image: cfg.Media.MaxImageBytes,
		Video: cfg.Media.MaxVideoBytes,
		Audio: cfg.Media.MaxAudioBytes,
		File:  cfg.Media.MaxFileBytes,
	}
	stopTimeout := time.Duration(cfg.Bridge.StopTimeoutSeconds) * time.Second
	coord := bridge.NewCoordinator(lineClient, discordClient, bindings, links, deliverer, limits, stopTimeout)

	ctx := context.Background()

	// Buffer inbound events until the Discord gateway reports ready, so
	// nothing received during startup is dropped or delivered out of order.
	coord.StartBuffering()

	if err := lineClient.Start(ctx, func(ev bus.LineEvent) {
		_ = coord.HandleLineEvent(ev)
	}); err != nil {
		fmt.Printf("Error starting LINE client: %v\n", err)
		os.Exit(1)
	}

	if err := discordClient.Start(ctx, coord.SetReady, func(ev bus.DiscordEvent) {
		_ = coord.HandleDiscordEvent(ev)
	}); err != nil {
		fmt.Printf("Error starting Discord client: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s linecord %s running\n", logo, formatVersion())
	fmt.Printf("  LINE webhook: http://%s:%d%s\n", cfg.LINE.WebhookHost, cfg.LINE.WebhookPort, cfg.LINE.WebhookPath)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")

	// Stop the inbound edges first, then wait for in-flight deliveries.
	if err := lineClient.Stop(ctx); err != nil {
		logger.WarnCF("main", "LINE client stop failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	coord.Stop()
	if err := discordClient.Stop(ctx); err != nil {
		logger.WarnCF("main", "Discord client stop failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	fmt.Println("✓ Bridge stopped")
}
