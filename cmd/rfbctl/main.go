// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// rfbctl is a small operator tool for the rfbcore engine: it probes RFB
// endpoints for troubleshooting and makes one-shot test connections.
//
// Usage:
//
//	rfbctl probe <host[:port]>
//	rfbctl connect <host[:port]>
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/supermarsx/rfbcore/config"
	"github.com/supermarsx/rfbcore/diag"
	"github.com/supermarsx/rfbcore/rfb"
	"github.com/supermarsx/rfbcore/session"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "path to TOML configuration file")
		username   = flag.StringP("username", "u", "", "username for ARD authentication")
		password   = flag.StringP("password", "p", "", "password for VNC or ARD authentication")
		verbose    = flag.BoolP("verbose", "v", false, "enable debug logging")
		timeout    = flag.Duration("timeout", 30*time.Second, "overall command timeout")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 2 {
		usage()
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	logger := rfb.NewZerologLogger(zl)

	cfg, err := config.Load(*configPath)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to load configuration")
	}

	creds := rfb.Credentials{Username: *username, Password: *password}
	target := flag.Arg(1)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch flag.Arg(0) {
	case "probe":
		runProbe(ctx, cfg, creds, target, logger)
	case "connect":
		runConnect(ctx, cfg, creds, target, logger, &zl)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: rfbctl [flags] probe|connect <host[:port]>\n\nflags:\n%s", flag.CommandLine.FlagUsages())
}

// runProbe diagnoses the target and prints the report as YAML.
func runProbe(ctx context.Context, cfg config.Config, creds rfb.Credentials, target string, logger rfb.Logger) {
	preference, err := cfg.SecurityOrder()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	prober := diag.NewProber(diag.Options{
		DialTimeout:        cfg.Dial(),
		Credentials:        creds,
		SecurityPreference: preference,
		Logger:             logger,
	})

	report := prober.Probe(ctx, target)

	out, err := yaml.Marshal(report)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Stdout.Write(out) //nolint:errcheck

	if !report.Passed() {
		os.Exit(1)
	}
}

// runConnect opens a session via the registry, requests one framebuffer
// update, drains the first events, and prints the session snapshot.
func runConnect(ctx context.Context, cfg config.Config, creds rfb.Credentials, target string, logger rfb.Logger, zl *zerolog.Logger) {
	preference, err := cfg.SecurityOrder()
	if err != nil {
		zl.Fatal().Err(err).Msg("invalid security preference")
	}

	registry := session.NewRegistry(session.Options{
		DialTimeout:        cfg.Dial(),
		HandshakeTimeout:   cfg.Handshake(),
		Exclusive:          cfg.Exclusive,
		ViewOnly:           cfg.ViewOnly,
		EventBufferCap:     cfg.EventBufferCap,
		SecurityPreference: preference,
		Logger:             logger,
	})
	defer registry.DisconnectAll()

	id, err := registry.Connect(ctx, target, creds)
	if err != nil {
		zl.Fatal().Err(err).Msg("connect failed")
	}

	if err := registry.RequestUpdate(id, false); err != nil {
		zl.Error().Err(err).Msg("update request failed")
	}

	// Give the server a moment to push the first update.
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	info, err := registry.SessionInfo(id)
	if err != nil {
		zl.Fatal().Err(err).Msg("session lookup failed")
	}
	stats, _ := registry.SessionStats(id)

	events := registry.DrainEvents(0)
	frames := 0
	for _, ev := range events {
		if _, ok := ev.Event.(session.FrameUpdateEvent); ok {
			frames++
		}
	}

	fmt.Printf("session:     %s\n", info.ID)
	fmt.Printf("endpoint:    %s\n", info.Endpoint)
	fmt.Printf("server:      %s\n", info.ServerName)
	fmt.Printf("geometry:    %dx%d\n", info.Width, info.Height)
	fmt.Printf("protocol:    %s\n", info.Version)
	fmt.Printf("security:    %s\n", info.Security.Name())
	fmt.Printf("events:      %d (%d frame updates)\n", len(events), frames)
	fmt.Printf("traffic:     %d bytes out, %d bytes in\n", stats.BytesSent, stats.BytesReceived)
}
