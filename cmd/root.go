package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"hostwatch/collector"
	"hostwatch/config"
	"hostwatch/logger"
	"hostwatch/session"
	"hostwatch/storage"
)

// flagKeys maps command-line flags onto configuration keys. Only the flags
// of the command being run are bound, so commands can share flag names.
var flagKeys = map[string]string{
	"log-level":      "log_level",
	"interval":       "interval",
	"duration":       "duration",
	"source-timeout": "source_timeout",
	"workers":        "sampler.workers",
	"export-kind":    "export.kind",
	"dest":           "export.dest",
	"format":         "export.format",
	"export-every":   "export.every",
	"addr":           "http.addr",
}

// app carries what every command needs once flags are parsed.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
}

// NewRootCmd assembles the hostwatch command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "hostwatch",
		Short: "Host telemetry sampler",
		Long: `hostwatch samples CPU, memory, disk, network and process metrics at a
fixed interval for a bounded duration and exports the result.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.Flush(a.log)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default ./configs/config.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug|info|warn|error")

	root.AddCommand(
		newMonitorCmd(a),
		newSnapshotCmd(a),
		newServeCmd(a),
		newProcessesCmd(a),
	)
	return root
}

// Execute runs the command tree with ctx as the base context.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (a *app) init(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && bindErr == nil {
			bindErr = a.v.BindPFlag(key, f)
		}
	})
	if bindErr != nil {
		return fmt.Errorf("bind flags: %w", bindErr)
	}

	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	l, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	a.cfg, a.log = cfg, l.Logger
	return nil
}

// sampler registers host probes, then Prometheus queries, then JSON
// endpoints, each in configuration order.
func (a *app) sampler() *collector.Sampler {
	sources := collector.HostSources(collector.HostOptions{
		Mounts:     a.cfg.Disk.Mounts,
		Interfaces: a.cfg.Net.Interfaces,
	})

	for _, q := range a.cfg.Prometheus.Queries {
		sources = append(sources, collector.NewPrometheusSource(q.Name, a.cfg.Prometheus.URL, q.Query, a.log))
	}
	for _, e := range a.cfg.Endpoints {
		sources = append(sources, collector.NewEndpointSource(e.Name, e.URL, e.Field))
	}

	return collector.NewSampler(
		collector.WithTimeouts(sources, a.cfg.SourceTimeout),
		a.log,
		collector.WithWorkers(a.cfg.Sampler.Workers),
	)
}

// exporter binds a sink to the configured destination and to the current
// run of sess.
type exporter struct {
	sink storage.Sink
	dest string
	sess *session.Session
	host collector.HostInfo
}

func (e *exporter) report(samples []collector.Sample) *storage.Report {
	info := e.sess.Info()
	ended := time.Now()
	if !info.Deadline.IsZero() && ended.After(info.Deadline) {
		ended = info.Deadline
	}
	return &storage.Report{
		RunID:     info.ID,
		Host:      e.host,
		StartedAt: info.StartedAt,
		EndedAt:   ended,
		Interval:  info.Interval,
		Duration:  info.Duration,
		Samples:   samples,
	}
}

// export is a session.ExportFunc.
func (e *exporter) export(ctx context.Context, samples []collector.Sample) error {
	_, err := e.sink.Export(ctx, e.dest, e.report(samples))
	return err
}

// final exports with its own deadline, since the run context may already be
// cancelled by a signal.
func (e *exporter) final(samples []collector.Sample) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.sink.Export(ctx, e.dest, e.report(samples))
}

func describeHost(ctx context.Context, log *zap.Logger) collector.HostInfo {
	h, err := collector.DescribeHost(ctx)
	if err != nil {
		log.Warn("host description unavailable", zap.Error(err))
	}
	return h
}

func addExportFlags(cmd *cobra.Command) {
	cmd.Flags().String("export-kind", "", "export sink: none|file|sqlite|redis|kafka|sftp")
	cmd.Flags().String("dest", "", "export destination (directory, label, key, topic or remote dir)")
	cmd.Flags().String("format", "", "file export format: json|yaml")
}
