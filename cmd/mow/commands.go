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
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/mow/cmd/mow/config"
	"github.com/AleutianAI/mow/pkg/logging"
	"github.com/AleutianAI/mow/services/planner"
	"github.com/AleutianAI/mow/services/planner/dataset"
	"github.com/AleutianAI/mow/services/planner/registry"
)

const shutdownTimeout = 5 * time.Second

var (
	// cfg is the effective configuration after flag overrides.
	cfg config.MowConfig
	// logger is built in PersistentPreRunE and closed in PersistentPostRun.
	logger *logging.Logger

	dataDirFlag   string
	addressFlag   string
	nextMonthFlag bool
	carryOverFlag bool
)

var (
	rootCmd = &cobra.Command{
		Use:               "mow",
		Short:             "Month-scoped meal planning datasets",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				if err := logger.Close(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: closing logger: %v\n", err)
				}
			}
		},
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the planner HTTP API",
		Long: `Serves the planner API under /v1/mow on server.address.

One session is shared by every request. Session events are pushed to
WebSocket clients on /v1/mow/events. With telemetry.metrics enabled,
Prometheus metrics are exposed on /metrics.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	datasetsCmd = &cobra.Command{
		Use:   "datasets",
		Short: "List periods that have a dataset file",
		Args:  cobra.NoArgs,
		RunE:  runDatasets,
	}
	newCmd = &cobra.Command{
		Use:   "new",
		Short: "Create the dataset for this month or the next",
		Args:  cobra.NoArgs,
		RunE:  runNew,
	}
	showCmd = &cobra.Command{
		Use:   "show YEAR MONTH",
		Short: "Print a dataset",
		Long: `Prints the components and meals of a dataset.

The dataset is locked only while it is read and the file is not modified.
Fails while another process has the dataset open.`,
		Args: cobra.ExactArgs(2),
		RunE: runShow,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "",
		"Dataset directory (overrides storage.data_dir and $"+config.EnvDataDir+")")
	serveCmd.Flags().StringVar(&addressFlag, "address", "",
		"Listen address (overrides server.address)")
	newCmd.Flags().BoolVar(&nextMonthFlag, "next-month", false,
		"Create next month's dataset instead of this month's")
	newCmd.Flags().BoolVar(&carryOverFlag, "carry-over", false,
		"Seed from the most recent earlier dataset")

	rootCmd.AddCommand(serveCmd, datasetsCmd, newCmd, showCmd)
}

// setup loads the configuration and installs the process logger.
func setup(cmd *cobra.Command, args []string) error {
	if err := config.Load(); err != nil {
		return err
	}
	cfg = config.Global
	if dataDirFlag != "" {
		cfg.Storage.DataDir = dataDirFlag
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	fd := os.Stderr.Fd()
	interactive := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)

	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: config.AppName,
		JSON:    cfg.Logging.JSON || !interactive,
	})
	slog.SetDefault(logger.Slog())
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if addressFlag != "" {
		cfg.Server.Address = addressFlag
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Slog()
	tel, err := initTelemetry(cfg.Telemetry, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			log.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	a, err := newApp(cfg, log, cfg.Storage.WatchExternalChanges)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("Releasing locks failed", "error", err)
		}
	}()

	sess, err := a.newSession()
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("Closing session failed", "error", err)
		}
	}()

	handlers := planner.NewHandlers(sess, log)
	defer handlers.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(config.AppName))
	if tel.Metrics != nil {
		router.GET("/metrics", gin.WrapH(tel.Metrics))
	}
	planner.RegisterRoutes(router.Group("/v1"), handlers)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Planner API listening",
			"address", cfg.Server.Address,
			"data_dir", a.layout.BaseDir,
			"metrics", tel.Metrics != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving on %s: %w", cfg.Server.Address, err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func runDatasets(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, logger.Slog(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	snap := registry.Scan(a.layout, time.Now())
	out := cmd.OutOrStdout()
	fmt.Fprint(out, renderRegistry(a.layout.BaseDir, snap))
	for _, p := range snap.Periods() {
		if holder, ok := a.locks.Holder(a.layout.PrimaryPath(p)); ok {
			fmt.Fprintln(out, renderHolder(p, holder))
		}
	}
	return nil
}

func runNew(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, logger.Slog(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.newSession()
	if err != nil {
		return err
	}
	p, err := sess.NewDataset(cmd.Context(), nextMonthFlag, carryOverFlag)
	if err != nil {
		return err
	}
	if err := sess.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Created %s\n",
		Styles.Highlight.Render("✓"), a.layout.PrimaryPath(p))
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	p, err := parsePeriod(args[0], args[1])
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger.Slog(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	ds, err := a.store.Read(p)
	if err != nil {
		return err
	}
	if ds.Period != p {
		fmt.Fprintln(cmd.ErrOrStderr(), Styles.Warning.Render(
			fmt.Sprintf("Warning: file for %s records period %s", p, ds.Period)))
	}
	if a.store.PendingRecovery(p) {
		fmt.Fprintln(cmd.ErrOrStderr(), Styles.Warning.Render(
			fmt.Sprintf("Warning: %s has an interrupted save; opening it preserves the unsaved copy", p)))
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderDataset(ds))
	return nil
}

// parsePeriod parses YEAR and MONTH arguments.
func parsePeriod(year, month string) (dataset.Period, error) {
	y, err := strconv.Atoi(year)
	if err != nil {
		return dataset.Period{}, fmt.Errorf("invalid year %q", year)
	}
	m, err := strconv.Atoi(month)
	if err != nil {
		return dataset.Period{}, fmt.Errorf("invalid month %q", month)
	}
	p := dataset.Period{Year: y, Month: m}
	if !p.Valid() {
		return dataset.Period{}, fmt.Errorf("month %d out of range 1-12", m)
	}
	return p, nil
}
