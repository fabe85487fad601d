package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gradkit/coedit"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a record directory",
	Long: `Initialize creates the directory and its .coedit bookkeeping folder.
With --versioning it also runs 'git init' so content saves are committed.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir := viper.GetString("dir")
		if len(args) == 1 {
			dir = args[0]
		}
		if dir == "" {
			cwd, err := os.Getwd()
			if err != nil {
				fatal("Failed to get CWD", err)
			}
			dir = cwd
		}

		store, err := coedit.Open(context.Background(), dir,
			coedit.WithAutoInit(true),
			coedit.WithVersioning(viper.GetBool("versioning")),
			coedit.WithLogger(slog.Default()),
		)
		if err != nil {
			fatal("Failed to initialize record directory", err)
		}
		if c, ok := store.(interface{ Close() error }); ok {
			_ = c.Close()
		}

		fmt.Println("Initialized record directory in", dir)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
