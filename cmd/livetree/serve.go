package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/livetree/livetree/internal/metrics"
	"github.com/livetree/livetree/internal/project"
	"github.com/livetree/livetree/internal/serve"
)

var (
	servePort    int
	serveProject string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve a project tree to live sessions",
		Long: `serve loads a project file, serves its tree on the livetree protocol and
republishes every change made to the file while it runs.`,
		RunE: runServe,
	}
)

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server port")
	serveCmd.Flags().StringVar(&serveProject, "project", "", "Override project file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if serveProject != "" {
		cfg.Server.Project = serveProject
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	p, err := project.Load(cfg.Server.Project)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv := serve.NewServer(p, serve.Options{
		Token:          cfg.Server.Token,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		OpenCommand:    cfg.Server.OpenCommand,
		MessageHistory: cfg.Server.MessageHistory,
		Metrics:        metrics.NewServer(reg),
		Gatherer:       reg,
	})
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	watcher, err := project.NewWatcher(cfg.Server.Project, cfg.Server.ReloadDebounce, srv.ReloadProject)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Server.Addr(), mux)
	})
	g.Go(func() error {
		return watcher.Run(ctx)
	})
	err = g.Wait()
	glog.Infof("server stopped")
	return err
}
