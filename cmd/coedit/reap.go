package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/gradkit/coedit/pkg/core"
	"github.com/gradkit/coedit/pkg/fieldlock"
	"github.com/gradkit/coedit/pkg/presence"
)

var reapDryRun bool

var reapCmd = &cobra.Command{
	Use:   "reap [record...]",
	Short: "Remove stale editor entries and expired field locks",
	Long: `Reap clears what a crashed or disconnected editor left behind. Open
sessions do this on their own; reap covers records nobody has open.
Without arguments every record in the directory is reaped.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store, closeStore, err := openStore(ctx)
		if err != nil {
			fatal("Failed to open records", err)
		}
		defer closeStore()

		ids := args
		if len(ids) == 0 {
			lister, ok := store.(interface {
				List(context.Context) ([]string, error)
			})
			if !ok {
				fatal("Failed to list records", fmt.Errorf("store cannot list records"))
			}
			if ids, err = lister.List(ctx); err != nil {
				fatal("Failed to list records", err)
			}
		}

		presenceTTL, lockTTL := ttls()
		now := time.Now().UTC()
		total := 0
		for _, id := range ids {
			n, err := reapRecord(ctx, store, id, now, presenceTTL, lockTTL, reapDryRun)
			if err != nil {
				fatal("Failed to reap "+id, err)
			}
			if n > 0 {
				fmt.Printf("%s: %d stale entries\n", id, n)
			}
			total += n
		}

		verb := "Removed"
		if reapDryRun {
			verb = "Would remove"
		}
		fmt.Printf("%s %d stale entries from %d records\n", verb, total, len(ids))
	},
}

// reapRecord deletes stale presence and expired locks of one record in a
// single merge and returns how many entries were removed.
func reapRecord(ctx context.Context, store core.Store, id string, now time.Time, presenceTTL, lockTTL time.Duration, dryRun bool) (int, error) {
	rec, err := store.ReadOnce(ctx, id)
	if err != nil {
		return 0, err
	}

	patch := presence.StaleEditors(rec, now, presenceTTL, "")
	for path, v := range fieldlock.ExpiredLocks(rec, now, lockTTL) {
		patch[path] = v
	}
	if len(patch) == 0 || dryRun {
		return len(patch), nil
	}

	if _, err := store.UpdateFields(ctx, id, patch); err != nil {
		return 0, err
	}
	slog.Debug("reaped record", "record", id, "count", len(patch))
	return len(patch), nil
}

func init() {
	reapCmd.Flags().BoolVar(&reapDryRun, "dry-run", false, "Only report what would be removed")
	rootCmd.AddCommand(reapCmd)
}
