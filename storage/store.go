package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"hostwatch/collector"
	"hostwatch/config"
)

// Report is the unit every sink persists: one run's samples plus context.
type Report struct {
	RunID     string                  `json:"run_id" yaml:"run_id"`
	Host      collector.HostInfo      `json:"host" yaml:"host"`
	StartedAt time.Time               `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time               `json:"ended_at" yaml:"ended_at"`
	Interval  int                     `json:"interval" yaml:"interval"`
	Duration  int                     `json:"duration" yaml:"duration"`
	Samples   []collector.Sample      `json:"samples" yaml:"samples"`
	Processes []collector.ProcessInfo `json:"processes,omitempty" yaml:"processes,omitempty"`
}

// MetricRecord is a single persisted reading.
type MetricRecord struct {
	RunID     string
	Timestamp time.Time
	Path      string
	Value     *float64 // nil when the source failed
	Error     string
}

// Sink abstracts a persistence back-end for reports.
type Sink interface {
	// Export writes rep under dest and returns where it ended up. Exporting
	// the same run again replaces the earlier copy where the back-end allows.
	Export(ctx context.Context, dest string, rep *Report) (string, error)

	// Close releases any resources (e.g. DB connections).
	Close() error
}

// Open builds the sink selected by cfg.Export.Kind. It returns a nil Sink
// for kind "none".
func Open(cfg *config.Config, log *zap.Logger) (Sink, error) {
	switch cfg.Export.Kind {
	case config.ExportNone, "":
		return nil, nil
	case config.ExportFile:
		return NewFileSink(cfg.Export.Format, log), nil
	case config.ExportSQLite:
		return NewSQLite(cfg.SQLite.Path, log)
	case config.ExportRedis:
		return NewRedisSink(cfg.Redis, log)
	case config.ExportKafka:
		return NewKafkaSink(cfg.Kafka.Brokers, log), nil
	case config.ExportSFTP:
		return NewSFTPSink(cfg.SFTP, log)
	default:
		return nil, fmt.Errorf("unknown export kind %q", cfg.Export.Kind)
	}
}

// Encode renders rep as json or yaml and returns the file extension to use.
func Encode(rep *Report, format string) ([]byte, string, error) {
	switch format {
	case "", "json":
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("marshal report: %w", err)
		}
		return append(data, '\n'), "json", nil
	case "yaml":
		data, err := yaml.Marshal(rep)
		if err != nil {
			return nil, "", fmt.Errorf("marshal report: %w", err)
		}
		return data, "yaml", nil
	default:
		return nil, "", fmt.Errorf("unsupported format %q", format)
	}
}

// FileName is the base name used for file and sftp exports.
func FileName(rep *Report, ext string) string {
	host := rep.Host.Hostname
	if host == "" {
		host = "unknown"
	}
	at := rep.StartedAt
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("hostwatch-%s-%s.%s", host, at.UTC().Format("20060102-150405"), ext)
}
