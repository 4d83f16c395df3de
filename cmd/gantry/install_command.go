package main

import (
	"fmt"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"gantry/internal/config"
	"gantry/internal/daemon"
	"gantry/internal/deps"
	"gantry/internal/install"
	"gantry/internal/logging"
	"gantry/internal/queue"
)

func newInstallCommand(ctx *commandContext) *cobra.Command {
	var deviceID string

	cmd := &cobra.Command{
		Use:   "install <release-name>",
		Short: "Install a downloaded job onto a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				job, ok := store.Find(id)
				if !ok {
					return fmt.Errorf("no job named %q", id)
				}
				if job.Status != queue.StatusCompleted && job.Status != queue.StatusInstallError {
					return fmt.Errorf("job %q is %s; only completed jobs can be installed", id, job.Status)
				}
				if err := guardAgainstBusyDaemon(cfg, store); err != nil {
					return err
				}

				resolver := &deps.BinaryResolver{
					Rclone:   cfg.Binaries.Rclone,
					SevenZip: cfg.Binaries.SevenZip,
					ADB:      cfg.Binaries.ADB,
				}
				installer := install.NewInstaller(cfg, store, logging.NewNop(), resolver, nil)
				if !installer.Start(cmd.Context(), id, deviceID) {
					failed, _ := store.Find(id)
					return fmt.Errorf("install failed: %s", failed.ErrorMessage)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Installed %s\n", job.DisplayName)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "Device serial to install onto")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

// guardAgainstBusyDaemon refuses to run an install while a daemon is working
// the queue file. A daemon mid-stage flushes from its own snapshot and would
// overwrite whatever this process records. When no daemon holds the lock the
// install proceeds; an idle daemon adopts the outcome on its next file poll.
func guardAgainstBusyDaemon(cfg *config.Config, store *queue.Store) error {
	lock := flock.New(daemon.LockPath(cfg))
	held, err := lock.TryLock()
	if err == nil && held {
		// No daemon. The lock is released when the process exits; the install
		// finishing first is fine because a later daemon re-reads the file.
		return nil
	}
	for _, other := range store.List() {
		if other.IsActive() || other.Status == queue.StatusQueued {
			return fmt.Errorf("a daemon is processing the queue (%s is %s); retry once it drains", other.ID, other.Status)
		}
	}
	return nil
}
