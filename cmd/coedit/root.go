package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gradkit/coedit"
	"github.com/gradkit/coedit/pkg/core"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "coedit",
	Short: "Inspect and maintain shared records edited by several people at once",
	Long: `coedit operates on a directory of shared records, one file per record.
It shows who is editing a record and which fields are locked, streams changes,
clears stale presence and locks, and writes fields with conflict detection.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}

		opts := &slog.HandlerOptions{
			Level: level,
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
		slog.SetDefault(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is ./coedit.yaml)")
	flags.BoolP("verbose", "v", false, "Enable verbose logging")
	flags.StringP("dir", "d", "", "record directory (default: nearest directory with .coedit or coedit.yaml)")
	flags.String("format", ".yaml", "record file extension for new records (.yaml, .yml, .json)")
	flags.Bool("versioning", false, "commit content saves to git")
	flags.Duration("presence-ttl", core.PresenceTTL, "age after which an editor entry is stale")
	flags.Duration("lock-ttl", core.LockTTL, "age after which a field lock is stale")

	for _, name := range []string{"config", "verbose", "dir", "format", "versioning", "presence-ttl", "lock-ttl"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func initConfig() {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("coedit")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if root, err := coedit.FindRoot("."); err == nil {
			viper.AddConfigPath(root)
		}
	}

	// COEDIT_LOCK_TTL for lock-ttl
	viper.SetEnvPrefix("COEDIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// recordDir resolves the record directory from --dir or the working directory.
func recordDir() (string, error) {
	if dir := viper.GetString("dir"); dir != "" {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root, err := coedit.FindRoot(wd)
	if err != nil {
		return "", fmt.Errorf("not a record directory (run 'coedit init' or pass --dir): %w", err)
	}
	return root, nil
}

// openStore opens the record directory, which must already exist.
func openStore(ctx context.Context, opts ...coedit.Option) (coedit.Store, func(), error) {
	dir, err := recordDir()
	if err != nil {
		return nil, nil, err
	}

	base := []coedit.Option{
		coedit.WithMustExist(true),
		coedit.WithFormat(viper.GetString("format")),
		coedit.WithVersioning(viper.GetBool("versioning")),
		coedit.WithLogger(slog.Default()),
		coedit.WithErrorHandler(func(err error) {
			slog.Warn("background error", "error", err)
		}),
	}
	store, err := coedit.Open(ctx, dir, append(base, opts...)...)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {}
	if c, ok := store.(interface{ Close() error }); ok {
		closeFn = func() { _ = c.Close() }
	}
	return store, closeFn, nil
}

func ttls() (presenceTTL, lockTTL time.Duration) {
	return viper.GetDuration("presence-ttl"), viper.GetDuration("lock-ttl")
}
