package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"gantry/internal/config"
	"gantry/internal/queue"
)

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <release-name>",
		Short: "Re-queue a failed or cancelled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				job, ok := store.Find(id)
				if !ok {
					return fmt.Errorf("no job named %q", id)
				}
				if !job.CanRetry() {
					return fmt.Errorf("job %q is %s; only failed or cancelled jobs can be retried", id, job.Status)
				}
				store.Update(id, func(j *queue.Job) {
					j.Status = queue.StatusQueued
					j.Progress = 0
					j.ExtractProgress = nil
					j.ErrorMessage = ""
					j.Speed = ""
					j.ETA = ""
				})
				fmt.Fprintf(cmd.OutOrStdout(), "Re-queued %s\n", job.DisplayName)
				return nil
			})
		},
	}
}
