package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gradkit/coedit/pkg/conflict"
	"github.com/gradkit/coedit/pkg/core"
)

var (
	setBase       string
	setOnConflict string
)

var setCmd = &cobra.Command{
	Use:   "set [record] [field=value...]",
	Short: "Write content fields with conflict detection",
	Long: `Set saves one or more content fields. Values are parsed as YAML scalars,
so 42 is a number and true a boolean; quote them to keep strings.

The save is compared against --base (the lastModifiedAt the caller last saw,
as printed by 'coedit inspect'), or against the record as read when the
command starts. If someone saved in between, --on-conflict decides:
ask (default), reload (keep theirs) or overwrite (keep yours).`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		recordID := args[0]
		patch, err := parseAssignments(args[1:])
		if err != nil {
			fatal("Invalid field", err)
		}

		var base *time.Time
		if setBase != "" {
			t, err := time.Parse(time.RFC3339Nano, setBase)
			if err != nil {
				fatal("Invalid --base", err)
			}
			base = &t
		}

		ctx := context.Background()
		store, closeStore, err := openStore(ctx)
		if err != nil {
			fatal("Failed to open records", err)
		}
		defer closeStore()

		warnLocked(ctx, store, recordID, patch)

		onConflict, err := conflictPolicy(setOnConflict, cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			fatal("Invalid --on-conflict", err)
		}
		outcome, err := saveFields(ctx, store, recordID, patch, base, onConflict)
		if err != nil {
			fatal("Failed to save", err)
		}
		fmt.Printf("%s: %s\n", recordID, outcome)
	},
}

// saveFields writes patch through a conflict guard whose baseline is base,
// or the current record when base is nil.
func saveFields(ctx context.Context, store core.Store, recordID string, patch core.Fields, base *time.Time, onConflict conflict.ConflictFunc) (conflict.Outcome, error) {
	g := conflict.New(store, conflict.WithLogger(slog.Default()))
	if err := g.Begin(ctx, recordID); err != nil {
		return 0, err
	}
	if base != nil {
		g.Rebase(core.Record{LastModifiedAt: *base})
	}
	return g.SafeUpdate(ctx, patch, nil, onConflict)
}

func conflictPolicy(name string, in io.Reader, out io.Writer) (conflict.ConflictFunc, error) {
	switch name {
	case "reload":
		return func(context.Context, core.Record) (conflict.Resolution, error) { return conflict.Reload, nil }, nil
	case "overwrite":
		return func(context.Context, core.Record) (conflict.Resolution, error) { return conflict.Overwrite, nil }, nil
	case "", "ask":
		return func(_ context.Context, server core.Record) (conflict.Resolution, error) {
			q := fmt.Sprintf("Someone saved this record at %s. Overwrite their changes?",
				server.LastModifiedAt.Format(time.RFC3339))
			if confirm(in, out, q) {
				return conflict.Overwrite, nil
			}
			return conflict.Reload, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown policy %q (want ask, reload or overwrite)", name)
	}
}

// parseAssignments turns field=value arguments into a content patch.
func parseAssignments(args []string) (core.Fields, error) {
	patch := core.Fields{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q is not field=value", arg)
		}
		if ns, _ := core.SplitPath(key); ns == core.EditorsField || ns == core.LocksField {
			return nil, fmt.Errorf("%s is coordination state, not content", key)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("value of %s: %w", key, err)
		}
		if v == nil && raw == "" {
			v = ""
		}
		patch[key] = v
	}
	return patch, nil
}

// warnLocked logs fields of patch that someone holds a live lock on. Locks
// are advisory, so the save still goes ahead.
func warnLocked(ctx context.Context, store core.Store, recordID string, patch core.Fields) {
	rec, err := store.ReadOnce(ctx, recordID)
	if err != nil {
		return
	}
	_, lockTTL := ttls()
	live := rec.LiveLocks(time.Now().UTC(), lockTTL)
	for key := range patch {
		if h, ok := live[key]; ok {
			slog.Warn("field is being edited", "record", recordID, "field", key, "holder", h.Label)
		}
	}
}

func init() {
	setCmd.Flags().StringVar(&setBase, "base", "", "lastModifiedAt the edit started from (RFC 3339)")
	setCmd.Flags().StringVar(&setOnConflict, "on-conflict", "ask", "ask, reload or overwrite")
	rootCmd.AddCommand(setCmd)
}
