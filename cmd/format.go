package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"hostwatch/collector"
)

// formatLine renders one sample as a single status line:
//
//	15:04:05  cpu.total_percent=12.30  memory.used_percent=40.01  [1 failed]
func formatLine(sample collector.Sample) string {
	var b strings.Builder
	b.WriteString(sample.Timestamp.Local().Format(time.TimeOnly))
	for _, r := range sample.Readings {
		v, ok := r.Float()
		if !ok {
			continue
		}
		b.WriteString("  ")
		b.WriteString(r.Path)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(v, 'f', 2, 64))
	}
	if n := sample.Failures(); n > 0 {
		fmt.Fprintf(&b, "  [%d failed]", n)
	}
	return b.String()
}

func writeSample(w io.Writer, sample collector.Sample) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "METRIC\tVALUE\n")
	for _, r := range sample.Readings {
		if v, ok := r.Float(); ok {
			fmt.Fprintf(tw, "%s\t%s\n", r.Path, strconv.FormatFloat(v, 'f', 2, 64))
		} else {
			fmt.Fprintf(tw, "%s\terror: %s\n", r.Path, r.Error)
		}
	}
	return tw.Flush()
}

func writeProcesses(w io.Writer, procs []collector.ProcessInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PID\tNAME\tUSER\tCPU%%\tMEM%%\tRSS\n")
	for _, p := range procs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.1f\t%.1f\t%s\n", p.PID, p.Name, p.User, p.CPUPercent, p.MemoryPercent, humanBytes(p.RSS))
	}
	return tw.Flush()
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
