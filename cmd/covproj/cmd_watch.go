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
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCoverage/services/coverage"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/feed"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/index"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/manifest"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/provider"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/session"
	"github.com/AleutianAI/AleutianCoverage/services/coverage/watch"
)

func (a *app) watchCommand() *cobra.Command {
	var coveragePath string

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Project updated blocks whenever change manifests land in a directory",
		Long: `Watches dir for change manifests. Each debounced batch of created or
written manifests marks its blocks as updated and runs one projection
session. Blocks of an interrupted session are retried with the next batch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			host := a.newHost()
			if coveragePath != "" {
				if err := publishDocument(host, coveragePath); err != nil {
					return err
				}
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			lookup := index.New(store, index.WithLogger(a.logger.Slog()))

			w, err := watch.New(args[0], a.watchHandler(host, lookup), watch.Options{
				Debounce:         a.cfg.Watch.Debounce,
				MaxRunsPerSecond: a.cfg.Watch.MaxRuns,
				Logger:           a.logger.Slog(),
			})
			if err != nil {
				return err
			}

			if a.cfg.Watch.FeedAddr != "" {
				a.feed = feed.NewHub(feed.Options{Logger: a.logger.Slog()})
				defer a.feed.Close()
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return w.Run(gctx) })
			for _, srv := range a.watchServers() {
				g.Go(func() error { return serveUntil(gctx, srv) })
				a.logger.Info("serving", slog.String("addr", srv.Addr))
			}
			a.printer.Info("watching %s (ctrl-c to stop)", args[0])

			err = g.Wait()
			if dropped := w.Dropped(); dropped > 0 {
				a.printer.Warning("%d file events dropped", dropped)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&coveragePath, "coverage", "", "coverage document whose functions are published first")
	return cmd
}

// watchHandler marks the blocks of every created or written manifest and
// runs one projection session when anything is pending.
func (a *app) watchHandler(host *provider.Host, lookup coverage.ProjectorLookup) watch.Handler {
	return func(ctx context.Context, changes []watch.Change) error {
		var loadErrs []error
		for _, c := range changes {
			if c.Op == watch.OpRemove {
				continue
			}
			m, err := manifest.LoadChanges(c.Path)
			if err != nil {
				a.printer.Warning("%s: %v", c.Path, err)
				loadErrs = append(loadErrs, err)
				continue
			}
			host.Tracker().MarkUpdatedWithSource(session.SourceWatcher, m.UpdatedBlocks()...)
		}

		if host.Tracker().HasPending() {
			if _, err := a.projectSession(ctx, host, lookup, 0); err != nil {
				return err
			}
		}
		return errors.Join(loadErrs...)
	}
}

// watchServers returns one server per configured address: /metrics when
// a pull exporter is active, /projections when the feed is enabled.
func (a *app) watchServers() []*http.Server {
	muxes := make(map[string]*http.ServeMux)
	var order []string
	mux := func(addr string) *http.ServeMux {
		m, ok := muxes[addr]
		if !ok {
			m = http.NewServeMux()
			muxes[addr] = m
			order = append(order, addr)
		}
		return m
	}

	if a.tel != nil && a.cfg.Telemetry.MetricsAddr != "" {
		if handler := a.tel.MetricsHandler(); handler != nil {
			mux(a.cfg.Telemetry.MetricsAddr).Handle("/metrics", handler)
		}
	}
	if a.feed != nil && a.cfg.Watch.FeedAddr != "" {
		mux(a.cfg.Watch.FeedAddr).Handle("/projections", a.feed)
	}

	servers := make([]*http.Server, 0, len(order))
	for _, addr := range order {
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           muxes[addr],
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	return servers
}

func serveUntil(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Default().Warn("http server shutdown failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
		return nil
	}
}
