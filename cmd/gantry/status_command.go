package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"gantry/internal/preflight"
	"gantry/internal/queue"
)

const (
	ansiBlue  = "\x1b[34m"
	ansiReset = "\x1b[0m"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var showDeps bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			jobs, err := queue.Snapshot(cfg.Paths.QueuePath)
			if err != nil {
				return err
			}
			for _, line := range sectionHeading(out, "Queue") {
				fmt.Fprintln(out, line)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "Queue is empty")
			} else {
				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						job.DisplayName,
						string(job.Status),
						progressCell(job),
						job.Speed,
						job.ETA,
						truncateCell(job.ErrorMessage, 48),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Name", "Status", "Progress", "Speed", "ETA", "Error"},
					rows,
					2, 3, 4,
				))
			}

			if !showDeps {
				return nil
			}
			fmt.Fprintln(out)
			for _, line := range sectionHeading(out, "System tools") {
				fmt.Fprintln(out, line)
			}
			rows := make([][]string, 0, 3)
			for _, status := range preflight.CheckSystemDeps(cfg) {
				state := "missing"
				if status.Available {
					state = "ok"
				} else if status.Optional {
					state = "missing (optional)"
				}
				rows = append(rows, []string{status.Name, status.Command, state, status.Detail})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Tool", "Command", "State", "Detail"},
				rows,
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&showDeps, "deps", false, "Also check the external tool binaries")
	return cmd
}

func progressCell(job queue.Job) string {
	percent := job.Progress
	if job.Status == queue.StatusExtracting && job.ExtractProgress != nil {
		percent = *job.ExtractProgress
	}
	return fmt.Sprintf("%d%%", percent)
}

func truncateCell(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}

func sectionHeading(writer io.Writer, title string) []string {
	line := title
	rule := strings.Repeat("-", len(line))
	if shouldColorize(writer) {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
