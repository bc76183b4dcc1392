package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hostwatch/api"
	"hostwatch/session"
	"hostwatch/storage"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API around one sampling session",
		Long: `Start an HTTP server exposing start/stop/data endpoints for a single
session plus a websocket stream of new samples. With an export sink
configured, the data of the last run is exported on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default :8080)")
	cmd.Flags().Int("workers", 0, "sources sampled concurrently per tick")
	cmd.Flags().Duration("source-timeout", 0, "bound on a single source, 0 disables")
	cmd.Flags().Duration("export-every", 0, "export periodically while a run is active, 0 disables")
	addExportFlags(cmd)
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := storage.Open(a.cfg, a.log)
	if err != nil {
		return fmt.Errorf("open export sink: %w", err)
	}

	var (
		opts []session.Option
		exp  *exporter
	)
	if sink != nil {
		defer sink.Close()
		exp = &exporter{sink: sink, dest: a.cfg.Export.Dest, host: describeHost(ctx, a.log)}
		if a.cfg.Export.Every > 0 {
			opts = append(opts, session.WithExport(a.cfg.Export.Every, exp.export))
		}
	}

	sampler := a.sampler()
	sess := session.New(sampler, a.log, opts...)
	if exp != nil {
		exp.sess = sess
	}

	srv := api.NewServer(sess, sampler, a.log, api.WithRunContext(ctx))
	serveErr := srv.ListenAndServe(ctx, a.cfg.HTTP.Addr)

	if exp != nil {
		if samples, err := sess.Data(); err == nil && len(samples) > 0 {
			loc, err := exp.final(samples)
			if err != nil {
				a.log.Error("final export failed", zap.Error(err))
			} else {
				a.log.Info("final export done", zap.String("location", loc))
			}
		}
	}
	return serveErr
}
