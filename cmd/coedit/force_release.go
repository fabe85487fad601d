package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gradkit/coedit/pkg/core"
	"github.com/gradkit/coedit/pkg/fieldlock"
)

var forceYes bool

var forceReleaseCmd = &cobra.Command{
	Use:   "force-release [record] [field]",
	Short: "Clear a field lock held by someone else",
	Long: `Force-release removes the lock on a field regardless of who holds it.
The holder is shown and confirmation is asked first unless --yes is given.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		recordID, field := args[0], args[1]
		ctx := context.Background()
		store, closeStore, err := openStore(ctx)
		if err != nil {
			fatal("Failed to open records", err)
		}
		defer closeStore()

		rec, err := store.ReadOnce(ctx, recordID)
		if err != nil {
			fatal("Failed to read record", err)
		}
		lock, ok := rec.LockedFields[field]
		if !ok {
			fmt.Printf("%s is not locked\n", field)
			return
		}

		question := fmt.Sprintf("%s is locked by %s since %s. Release it?",
			field, lock.HolderLabel, lock.AcquiredAt.Format(time.RFC3339))
		if !forceYes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), question) {
			fmt.Println("Aborted")
			return
		}

		if err := forceRelease(ctx, store, recordID, field); err != nil {
			fatal("Failed to release lock", err)
		}
		fmt.Printf("Released %s (was held by %s)\n", field, lock.HolderLabel)
	},
}

func forceRelease(ctx context.Context, store core.Store, recordID, field string) error {
	_, lockTTL := ttls()
	m := fieldlock.New(store, fieldlock.WithTTL(lockTTL), fieldlock.WithLogger(slog.Default()))
	if err := m.Start(ctx, recordID, core.Peer{ID: "coedit-cli", Label: "coedit"}, nil); err != nil {
		return err
	}
	defer func() { _ = m.Teardown(ctx) }()
	return m.ForceRelease(ctx, field)
}

// confirm asks question on out and reports whether the answer read from in
// starts with y.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func init() {
	forceReleaseCmd.Flags().BoolVarP(&forceYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(forceReleaseCmd)
}
