package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sessionkeeper/internal/agent"
	"sessionkeeper/internal/continuity"
	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/logging"
	"sessionkeeper/internal/server"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			log := logging.NewLogger("main")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := agent.New(ctx, cfg, agent.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(); err != nil {
				return err
			}

			srv := server.New(cfg.ListenAddr, a)
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.WithError(err).Warn("Server shutdown")
				}
			}()

			log.WithField("addr", cfg.ListenAddr).Infof("sessionkeeper listening (probe every %s)", cfg.ProbeInterval())
			if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides listen_addr)")
	return cmd
}

type probeResult struct {
	Target    string `json:"target"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func newProbeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Run one reachability probe and report the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			prober := agent.NewProber(cfg.Probe)
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ProbeTimeout())
			defer cancel()

			started := time.Now()
			probeErr := prober.Probe(ctx)
			result := probeResult{
				Target:    prober.Target(),
				OK:        probeErr == nil,
				LatencyMs: time.Since(started).Milliseconds(),
			}
			if probeErr != nil {
				result.Error = probeErr.Error()
			}
			if err := printResult(cmd.OutOrStdout(), opts.jsonOutput, result, func(w io.Writer) {
				if result.OK {
					fmt.Fprintf(w, "online: %s answered in %dms\n", result.Target, result.LatencyMs)
					return
				}
				fmt.Fprintf(w, "offline: %s (%s)\n", result.Target, result.Error)
			}); err != nil {
				return err
			}
			if probeErr != nil {
				return errs.Wrap(probeErr, errs.ErrCodeProbeFailed, "target unreachable")
			}
			return nil
		},
	}
}

func newSnapshotCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or clear the preserved session snapshot",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the preserved route and capture time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSnapshots(cmd, opts, func(ctx context.Context, store *continuity.SnapshotStore) error {
				return showSnapshot(ctx, cmd.OutOrStdout(), opts.jsonOutput, store)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every snapshot key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSnapshots(cmd, opts, func(ctx context.Context, store *continuity.SnapshotStore) error {
				if err := store.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "snapshot cleared")
				return nil
			})
		},
	})
	return cmd
}

func withSnapshots(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, *continuity.SnapshotStore) error) error {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}
	cfg.Store.Watch = false
	ctx := cmd.Context()
	kv, closeStore, err := agent.OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, continuity.NewSnapshotStore(kv, continuity.Keys{
		Route:      cfg.Session.RouteKey,
		Credential: cfg.Session.TokenKey,
		CapturedAt: cfg.Session.TimestampKey,
	}))
}

type snapshotView struct {
	Found         bool       `json:"found"`
	Route         string     `json:"route,omitempty"`
	CapturedAt    *time.Time `json:"captured_at,omitempty"`
	HasCredential bool       `json:"has_credential"`
	Problem       string     `json:"problem,omitempty"`
}

func showSnapshot(ctx context.Context, out io.Writer, asJSON bool, store *continuity.SnapshotStore) error {
	snap, found, err := store.Load(ctx)
	view := snapshotView{Found: found}
	switch {
	case errs.Is(err, errs.ErrCodeSnapshotPartial), errs.Is(err, errs.ErrCodeSnapshotCorrupt):
		view.Found = true
		view.Problem = err.Error()
	case err != nil:
		return err
	case found:
		view.Route = snap.Route
		view.CapturedAt = &snap.CapturedAt
		view.HasCredential = snap.Credential != ""
	}
	return printResult(out, asJSON, view, func(w io.Writer) {
		switch {
		case !view.Found:
			fmt.Fprintln(w, "no snapshot")
		case view.Problem != "":
			fmt.Fprintf(w, "unusable snapshot: %s\n", view.Problem)
		default:
			fmt.Fprintf(w, "route:       %s\ncaptured at: %s\ncredential:  %t\n",
				view.Route, view.CapturedAt.Format(time.RFC3339), view.HasCredential)
		}
	})
}

func printResult(out io.Writer, asJSON bool, payload any, text func(io.Writer)) error {
	if !asJSON {
		text(out)
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
