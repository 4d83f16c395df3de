package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"gantry/internal/config"
	"gantry/internal/queue"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var packageName string

	cmd := &cobra.Command{
		Use:   "add <release-name>",
		Short: "Queue a release for download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			release := strings.TrimSpace(args[0])
			if release == "" {
				return fmt.Errorf("release name must not be empty")
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				job := queue.NewJob(release, packageName)
				if err := store.Add(job); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", job.DisplayName)
				if daemonLikelyIdle(store) {
					fmt.Fprintln(cmd.OutOrStdout(), "A running daemon picks the job up within a few seconds; start one with `gantryd` if needed.")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&packageName, "package", "p", "", "Android package name, enables install and expansion data push")
	return cmd
}

// daemonLikelyIdle reports whether nothing in the queue is mid-stage, a rough
// signal that no daemon is working the file right now.
func daemonLikelyIdle(store *queue.Store) bool {
	for _, job := range store.List() {
		if job.IsActive() {
			return false
		}
	}
	return true
}
