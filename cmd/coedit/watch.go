package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/spf13/cobra"

	lcadapter "github.com/gradkit/coedit/pkg/adapters/lifecycle"
	"github.com/gradkit/coedit/pkg/core"
)

var watchPattern string

var watchCmd = &cobra.Command{
	Use:   "watch [record]",
	Short: "Stream changes until interrupted",
	Long: `With a record ID, watch prints every snapshot of that record: who is
editing it and how many fields are locked. Without one, it prints a line for
every change to a record whose ID matches --pattern.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, closeStore, err := openStore(ctx)
		if err != nil {
			fatal("Failed to open records", err)
		}
		defer closeStore()

		src, err := watchSource(ctx, store, args)
		if err != nil {
			fatal("Failed to watch", err)
		}
		if err := src.Start(ctx); err != nil {
			fatal("Failed to start watching", err)
		}

		for e := range src.Events() {
			fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), e)
		}
	},
}

func watchSource(ctx context.Context, store core.Store, args []string) (lifecycle.Source, error) {
	if len(args) == 1 {
		return lcadapter.NewRecordSource(store, args[0]), nil
	}
	w, ok := store.(core.Watchable)
	if !ok {
		return nil, errors.New("store does not support watching")
	}
	events, err := w.Watch(ctx, watchPattern)
	if err != nil {
		return nil, err
	}
	return lcadapter.NewSource(events), nil
}

func init() {
	watchCmd.Flags().StringVarP(&watchPattern, "pattern", "p", "**", "record ID glob for watching all records")
	rootCmd.AddCommand(watchCmd)
}
