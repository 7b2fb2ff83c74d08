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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/filesafe/watch"
)

func runWatch(cmd *cobra.Command, args []string) {
	eng, err := openEngine()
	if err != nil {
		log.Fatalf("Error starting engine: %v", err)
	}
	defer eng.close()

	dirs := args
	if len(dirs) == 0 {
		dirs = eng.cfg.Watch.Dirs
	}
	if len(dirs) == 0 {
		log.Fatal("No directories to watch. Pass them as arguments or set watch.dirs in the config.")
	}

	// Settle anything a previous crash left behind before watching.
	if err := eng.settleCrashed(context.Background()); err != nil {
		log.Fatalf("Error during startup recovery: %v", err)
	}

	logger := eng.log.Slog().With("component", "watch")
	opts := watch.DefaultOptions()
	opts.Logger = eng.log.Slog()
	if eng.cfg.Watch.DebounceMS > 0 {
		opts.Debounce = time.Duration(eng.cfg.Watch.DebounceMS) * time.Millisecond
	}
	if len(eng.cfg.Watch.Ignore) > 0 {
		opts.IgnorePatterns = eng.cfg.Watch.Ignore
	}

	watcher, err := watch.New(dirs, func(changes []watch.Change) {
		logger.Info("change batch", "count", len(changes))
		for _, c := range changes {
			fmt.Printf("  %s %s\n", c.Op, c.Path)
		}
	}, &opts)
	if err != nil {
		log.Fatalf("Error creating watcher: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watcher.Start(ctx); err != nil {
		log.Fatalf("Error starting watcher: %v", err)
	}
	defer watcher.Stop()

	sweeper := eng.newSweeper()
	sweeper.Start()
	defer sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if eng.cfg.Observability.Metrics && eng.cfg.Observability.MetricsListen != "" {
		handler, shutdownMetrics, err := initTelemetry(version)
		if err != nil {
			log.Fatalf("Error initializing metrics: %v", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		srv := &http.Server{
			Addr:              eng.cfg.Observability.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics endpoint listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx)
			return shutdownMetrics(shutCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	fmt.Printf("Watching %d directories. Ctrl-C to stop.\n", len(dirs))
	if err := g.Wait(); err != nil {
		log.Fatalf("Error while watching: %v", err)
	}
	fmt.Println("Stopped.")
}
