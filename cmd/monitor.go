package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hostwatch/session"
	"hostwatch/storage"
)

func newMonitorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Sample the host for a bounded duration",
		Long: `Run one sampling session: collect every --interval seconds until
--duration has elapsed or SIGINT/SIGTERM arrives, printing a line per tick,
then export the collected samples if an export sink is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.monitor(cmd)
		},
	}
	cmd.Flags().Int("interval", 0, "seconds between samples (1-3600)")
	cmd.Flags().Int("duration", 0, "run length in seconds (10-86400)")
	cmd.Flags().Int("workers", 0, "sources sampled concurrently per tick")
	cmd.Flags().Duration("source-timeout", 0, "bound on a single source, 0 disables")
	cmd.Flags().Duration("export-every", 0, "also export periodically while running, 0 disables")
	cmd.Flags().Bool("quiet", false, "do not print a line per sample")
	addExportFlags(cmd)
	return cmd
}

func (a *app) monitor(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()
	quiet, _ := cmd.Flags().GetBool("quiet")

	sink, err := storage.Open(a.cfg, a.log)
	if err != nil {
		return fmt.Errorf("open export sink: %w", err)
	}
	if sink != nil {
		defer sink.Close()
	}

	var (
		opts []session.Option
		exp  *exporter
	)
	if sink != nil {
		exp = &exporter{sink: sink, dest: a.cfg.Export.Dest, host: describeHost(ctx, a.log)}
		if a.cfg.Export.Every > 0 {
			opts = append(opts, session.WithExport(a.cfg.Export.Every, exp.export))
		}
	}
	sess := session.New(a.sampler(), a.log, opts...)
	if exp != nil {
		exp.sess = sess
	}

	if err := sess.Start(ctx, a.cfg.Interval, a.cfg.Duration); err != nil {
		return err
	}
	fmt.Fprintf(out, "monitoring every %ds for %ds (run %s), Ctrl-C to stop\n", a.cfg.Interval, a.cfg.Duration, sess.ID())

	printed := 0
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	printNew := func() {
		fresh, err := sess.DataSince(printed)
		if err != nil {
			return
		}
		for _, sample := range fresh {
			if !quiet {
				fmt.Fprintln(out, formatLine(sample))
			}
			printed++
		}
	}

loop:
	for {
		select {
		case <-sess.Done():
			break loop
		case <-poll.C:
			printNew()
		}
	}
	printNew()

	samples := sess.Stop()
	info := sess.Info()
	if ctx.Err() != nil {
		fmt.Fprintln(out, "interrupted")
	}
	fmt.Fprintf(out, "collected %d samples (%d intervals dropped)\n", len(samples), info.Dropped)

	if exp == nil {
		return nil
	}
	loc, err := exp.final(samples)
	if err != nil {
		a.log.Error("final export failed", zap.Error(err))
		return fmt.Errorf("export: %w", err)
	}
	fmt.Fprintf(out, "exported to %s\n", loc)
	return nil
}
