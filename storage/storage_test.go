package storage

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"hostwatch/collector"
	"hostwatch/config"
)

func testReport() *Report {
	start := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	return &Report{
		RunID:     "run-1",
		Host:      collector.HostInfo{Hostname: "box"},
		StartedAt: start,
		EndedAt:   start.Add(10 * time.Second),
		Interval:  5,
		Duration:  10,
		Samples: []collector.Sample{
			{Timestamp: start.Add(5 * time.Second), Readings: []collector.Reading{
				collector.Succeeded("cpu.total_percent", 12.5),
				collector.Failed("disk.root.used_percent", errors.New("access denied")),
			}},
			{Timestamp: start.Add(10 * time.Second), Readings: []collector.Reading{
				collector.Succeeded("cpu.total_percent", 0),
				collector.Succeeded("disk.root.used_percent", 40),
			}},
		},
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "hostwatch-box-20260304-050607.json", FileName(testReport(), "json"))

	rep := testReport()
	rep.Host.Hostname = ""
	assert.True(t, strings.HasPrefix(FileName(rep, "yaml"), "hostwatch-unknown-"))
}

func TestEncodeRejectsUnknownFormat(t *testing.T) {
	_, _, err := Encode(testReport(), "xml")
	assert.Error(t, err)
}

func TestFileSinkJSON(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	loc, err := NewFileSink("json", nil).Export(context.Background(), dir, testReport())
	require.NoError(t, err)
	assert.Equal(t, "hostwatch-box-20260304-050607.json", filepath.Base(loc))

	raw, err := os.ReadFile(loc)
	require.NoError(t, err)
	var got Report
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "run-1", got.RunID)
	require.Len(t, got.Samples, 2)
	assert.Equal(t, "access denied", got.Samples[0].Readings[1].Error)
	v, ok := got.Samples[1].Readings[0].Float()
	assert.True(t, ok)
	assert.Zero(t, v)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestFileSinkYAML(t *testing.T) {
	loc, err := NewFileSink("yaml", nil).Export(context.Background(), t.TempDir(), testReport())
	require.NoError(t, err)
	assert.Equal(t, ".yaml", filepath.Ext(loc))

	raw, err := os.ReadFile(loc)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &got))
	assert.Equal(t, "run-1", got["run_id"])
	assert.Len(t, got["samples"], 2)
}

func TestFileSinkHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFileSink("json", nil).Export(ctx, t.TempDir(), testReport())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLiteExportAndQuery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "db", "hostwatch.db")
	db, err := NewSQLite(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	rep := testReport()
	loc, err := db.Export(ctx, "nightly", rep)
	require.NoError(t, err)
	assert.Contains(t, loc, "#run-1")

	// Re-export of the same run must not duplicate rows.
	_, err = db.Export(ctx, "nightly", rep)
	require.NoError(t, err)

	all, err := db.Query(ctx, "", rep.StartedAt, rep.EndedAt)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	disk, err := db.Query(ctx, "disk.root.used_percent", rep.StartedAt, rep.EndedAt)
	require.NoError(t, err)
	require.Len(t, disk, 2)
	assert.Nil(t, disk[0].Value)
	assert.Equal(t, "access denied", disk[0].Error)
	require.NotNil(t, disk[1].Value)
	assert.Equal(t, 40.0, *disk[1].Value)
	assert.True(t, disk[0].Timestamp.Equal(rep.Samples[0].Timestamp))
	assert.Equal(t, "run-1", disk[1].RunID)

	early, err := db.Query(ctx, "", rep.StartedAt, rep.StartedAt.Add(6*time.Second))
	require.NoError(t, err)
	assert.Len(t, early, 2)

	var label string
	require.NoError(t, db.db.QueryRow(`SELECT label FROM runs WHERE id = ?`, "run-1").Scan(&label))
	assert.Equal(t, "nightly", label)
}

func TestSampleMessagesSkipsPublished(t *testing.T) {
	rep := testReport()
	msgs, err := sampleMessages("metrics", rep, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, "metrics", msgs[0].Topic)
	assert.Equal(t, "run-1", string(msgs[0].Key))
	assert.True(t, msgs[0].Time.Equal(rep.Samples[1].Timestamp))

	var body sampleMessage
	require.NoError(t, json.Unmarshal(msgs[0].Value, &body))
	assert.Equal(t, 1, body.Seq)
	assert.Equal(t, "box", body.Hostname)
	assert.Len(t, body.Sample.Readings, 2)
}

func TestKafkaSinkNeedsTopic(t *testing.T) {
	k := NewKafkaSink([]string{"localhost:9092"}, nil)
	defer k.Close()
	_, err := k.Export(context.Background(), "", testReport())
	assert.Error(t, err)
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "hostwatch:prod:run-1", reportKey("hostwatch:", "prod", "run-1"))
	assert.Equal(t, "hostwatch:runs:run-1", reportKey("hostwatch:", "", "run-1"))
	assert.Equal(t, "hostwatch:prod:index", indexKey("hostwatch:", "prod"))
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))
	return keyPath
}

func TestSSHClientConfig(t *testing.T) {
	keyPath := writeTestKey(t)

	var cfg *ssh.ClientConfig
	var err error
	require.NotPanics(t, func() {
		cfg, err = sshClientConfig(config.SFTPConfig{Addr: "host:22", User: "ops", KeyPath: keyPath}, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.User)
	assert.Len(t, cfg.Auth, 1)

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(knownHosts, nil, 0o600))
	cfg, err = sshClientConfig(config.SFTPConfig{User: "ops", KeyPath: keyPath, KnownHosts: knownHosts}, nil)
	require.NoError(t, err)
	assert.NotNil(t, cfg.HostKeyCallback)

	_, err = sshClientConfig(config.SFTPConfig{User: "ops", KeyPath: keyPath, KnownHosts: filepath.Join(t.TempDir(), "absent")}, nil)
	assert.Error(t, err)

	_, err = sshClientConfig(config.SFTPConfig{User: "ops", KeyPath: filepath.Join(t.TempDir(), "missing")}, nil)
	assert.Error(t, err)
}

func TestSFTPExportAbortsOnCancel(t *testing.T) {
	// accepts TCP but never speaks SSH, so the handshake blocks
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
		close(closed)
	}()

	sink, err := NewSFTPSink(config.SFTPConfig{Addr: ln.Addr().String(), User: "ops", KeyPath: writeTestKey(t)}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	begin := time.Now()
	_, err = sink.Export(ctx, "reports", testReport())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), 5*time.Second)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection left open after cancellation")
	}
}

func TestOpen(t *testing.T) {
	sink, err := Open(&config.Config{Export: config.ExportConfig{Kind: config.ExportNone}}, nil)
	require.NoError(t, err)
	assert.Nil(t, sink)

	sink, err = Open(&config.Config{Export: config.ExportConfig{Kind: config.ExportFile, Format: "yaml"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, sink)

	sink, err = Open(&config.Config{
		Export: config.ExportConfig{Kind: config.ExportSQLite},
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "x.db")},
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, sink)
	assert.NoError(t, sink.Close())

	_, err = Open(&config.Config{Export: config.ExportConfig{Kind: "s3"}}, nil)
	assert.Error(t, err)
}
