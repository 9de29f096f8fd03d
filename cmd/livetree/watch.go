package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/livetree/livetree/internal/api"
	"github.com/livetree/livetree/internal/dom"
	"github.com/livetree/livetree/internal/metrics"
	"github.com/livetree/livetree/internal/session"
	"github.com/livetree/livetree/internal/tui/app"
)

var (
	watchServer         string
	watchToken          string
	watchTwoWay         bool
	watchOpenExternally bool
	watchMetricsAddr    string

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Mirror a served tree into a live tree and browse it",
		Long: `watch connects a session to a livetree server, hydrates an empty local
DataModel from it and shows the result. With two-way sync, edits made from
the browser are written back to the server.`,
		RunE: runWatch,
	}
)

func init() {
	f := watchCmd.Flags()
	f.StringVar(&watchServer, "server", "", "Override server URL")
	f.StringVar(&watchToken, "token", "", "Override auth token")
	f.BoolVar(&watchTwoWay, "two-way", false, "Write local edits back to the server")
	f.BoolVar(&watchOpenExternally, "open-externally", false, "Open active scripts in the server's editor")
	f.StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve session metrics on this address")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc := cfg.Session
	if watchServer != "" {
		sc.ServerURL = watchServer
	}
	if watchToken != "" {
		sc.Token = watchToken
	}
	if cmd.Flags().Changed("two-way") {
		sc.TwoWaySync = watchTwoWay
	}
	if cmd.Flags().Changed("open-externally") {
		sc.OpenScriptsExternally = watchOpenExternally
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if watchMetricsAddr != "" {
		go serveMetrics(ctx, watchMetricsAddr, reg)
	}

	root := dom.New("DataModel", "game")
	editor := dom.NewScriptEditor()
	feed := app.NewFeed()

	sess := session.New(session.Options{
		API:                   api.NewClient(sc.ServerURL, sc.Token),
		OpenScriptsExternally: sc.OpenScriptsExternally,
		TwoWaySync:            sc.TwoWaySync,
		LiveRoot:              root,
		Editor:                editor,
		Metrics:               metrics.NewSession(reg),
	})
	sess.OnStatusChanged(feed.OnStatus)
	defer sess.Stop()
	if err := sess.Start(ctx); err != nil {
		return err
	}

	m := app.New(app.Options{
		Root:      root,
		Editor:    editor,
		Lookup:    sess.Instances().IDOf,
		Feed:      feed,
		ServerURL: sc.ServerURL,
		TwoWay:    sc.TwoWaySync,
	})
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}

	sess.Stop()
	return sess.Err()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	context.AfterFunc(ctx, func() { srv.Close() })
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Warningf("metrics server: %v", err)
	}
}
