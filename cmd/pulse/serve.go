// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianPulse/pkg/logging"
	"github.com/AleutianAI/AleutianPulse/services/pulse"
	"github.com/AleutianAI/AleutianPulse/services/pulse/config"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pulse monitor and HTTP API",
	Long: `Starts the monitor: opens storage, schedules health checks,
begins alert rule evaluation and SLA tracking, and serves the HTTP API
until interrupted.`,
	Run: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pulse version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("pulse", pulse.ServiceVersion)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", "", "Path to a YAML config file.")
	serveCmd.Flags().Int("port", 0, "Override the listen port from the config file.")
	serveCmd.Flags().String("log-level", "", "Override the log level (debug, info, warn, error).")
	serveCmd.Flags().Bool("in-memory", false, "Force in-memory storage regardless of the config file.")

	rootCmd.AddCommand(versionCmd)
}

// loadServeConfig layers the config sources in increasing precedence:
// defaults, config file, PULSE_* environment variables, then flags.
func loadServeConfig(cmd *cobra.Command) (config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	v := viper.New()
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if port := v.GetInt("server.port"); port != 0 {
		cfg.Server.Port = port
	}
	if level := v.GetString("logging.level"); level != "" {
		cfg.Logging.Level = level
	}
	if path := v.GetString("storage.path"); path != "" {
		cfg.Storage.Path = path
		cfg.Storage.InMemory = false
	}

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if inMemory, _ := cmd.Flags().GetBool("in-memory"); inMemory {
		cfg.Storage.InMemory = true
		cfg.Storage.Path = ""
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Service.Name,
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	if err != nil {
		log.Fatalf("Error initializing logging: %v", err)
	}
	defer logger.Close()

	mon, err := pulse.NewMonitor(cfg, logger.Slog())
	if err != nil {
		logger.Error("Failed to initialize monitor", "error", err)
		os.Exit(1)
	}
	if err := mon.Start(); err != nil {
		logger.Error("Failed to start monitor", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      pulse.NewRouter(mon),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Pulse API listening", "addr", srv.Addr, "service", cfg.Service.Name)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), mon.Stop(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Error("Pulse exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Pulse stopped")
}
