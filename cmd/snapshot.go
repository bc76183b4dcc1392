package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"hostwatch/collector"
	"hostwatch/storage"
)

func newSnapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Collect one sample with host info and top processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.snapshot(cmd)
		},
	}
	cmd.Flags().Int("top", 10, "number of processes to list, 0 for none")
	cmd.Flags().Bool("json", false, "print the report as JSON")
	cmd.Flags().Duration("warmup", time.Second, "delay between a priming and the reported collection, so rates and process CPU have a baseline")
	cmd.Flags().Int("workers", 0, "sources sampled concurrently")
	cmd.Flags().Duration("source-timeout", 0, "bound on a single source, 0 disables")
	addExportFlags(cmd)
	return cmd
}

func (a *app) snapshot(cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	top, _ := cmd.Flags().GetInt("top")
	asJSON, _ := cmd.Flags().GetBool("json")
	warmup, _ := cmd.Flags().GetDuration("warmup")

	sampler := a.sampler()
	started := time.Now()
	if warmup > 0 {
		sampler.Collect(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(warmup):
		}
	}
	sample := sampler.Collect(ctx)

	rep := &storage.Report{
		RunID:     uuid.NewString(),
		Host:      describeHost(ctx, a.log),
		StartedAt: started,
		EndedAt:   time.Now(),
		Samples:   []collector.Sample{sample},
	}
	if top > 0 {
		procs, err := collector.TopProcesses(ctx, top, collector.SortByCPU, warmup)
		if err != nil {
			return err
		}
		rep.Processes = procs
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		h := rep.Host
		fmt.Fprintf(out, "%s  %s %s (%s), %d CPUs, %s RAM\n\n",
			h.Hostname, h.Platform, h.PlatformVersion, h.KernelVersion, h.CPUs, humanBytes(h.TotalMemory))
		if err := writeSample(out, sample); err != nil {
			return err
		}
		if len(rep.Processes) > 0 {
			fmt.Fprintln(out)
			if err := writeProcesses(out, rep.Processes); err != nil {
				return err
			}
		}
	}

	sink, err := storage.Open(a.cfg, a.log)
	if err != nil {
		return fmt.Errorf("open export sink: %w", err)
	}
	if sink == nil {
		return nil
	}
	defer sink.Close()

	exportCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	loc, err := sink.Export(exportCtx, a.cfg.Export.Dest, rep)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "exported to %s\n", loc)
	return nil
}
