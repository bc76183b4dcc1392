package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"hostwatch/logger"
)

// FileSink writes each report as one json or yaml file inside dest.
type FileSink struct {
	format string
	log    *zap.Logger
}

func NewFileSink(format string, log *zap.Logger) *FileSink {
	return &FileSink{format: format, log: logger.Or(log)}
}

// Export writes atomically: a temp file in the same directory is renamed
// over the target, so readers never see a partial report.
func (f *FileSink) Export(ctx context.Context, dest string, rep *Report) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, ext, err := Encode(rep, f.format)
	if err != nil {
		return "", err
	}
	if dest == "" {
		dest = "."
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	target, err := filepath.Abs(filepath.Join(dest, FileName(rep, ext)))
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dest, ".hostwatch-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("rename report: %w", err)
	}

	f.log.Debug("report written", zap.String("path", target), zap.Int("samples", len(rep.Samples)))
	return target, nil
}

func (f *FileSink) Close() error { return nil }
