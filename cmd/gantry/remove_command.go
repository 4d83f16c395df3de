package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"gantry/internal/config"
	"gantry/internal/queue"
)

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	var deleteFiles bool
	var clearFailed bool

	cmd := &cobra.Command{
		Use:   "remove [release-name]",
		Short: "Remove a job from the queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearFailed {
				if len(args) > 0 {
					return fmt.Errorf("--failed removes every failed job; drop the release name")
				}
				return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
					removed := store.RemoveWhere(func(j queue.Job) bool {
						return j.Status == queue.StatusError || j.Status == queue.StatusInstallError || j.Status == queue.StatusCancelled
					})
					if !removed {
						fmt.Fprintln(cmd.OutOrStdout(), "No failed jobs to remove")
						return nil
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Removed failed jobs")
					return nil
				})
			}
			if len(args) == 0 {
				return fmt.Errorf("release name required unless --failed is given")
			}
			id := strings.TrimSpace(args[0])
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				job, ok := store.Find(id)
				if !ok {
					return fmt.Errorf("no job named %q", id)
				}
				if job.IsActive() {
					return fmt.Errorf("job %q is %s; cancel it through the daemon before removing", id, job.Status)
				}
				if deleteFiles && job.LocalPath != "" {
					if err := os.RemoveAll(job.LocalPath); err != nil {
						return fmt.Errorf("delete job content: %w", err)
					}
				}
				store.Remove(id)
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", job.DisplayName)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&deleteFiles, "files", false, "Also delete the downloaded content")
	cmd.Flags().BoolVar(&clearFailed, "failed", false, "Remove every failed or cancelled job instead of one by name")
	return cmd
}
