package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gradkit/coedit"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of coedit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coedit version %s\n", strings.TrimSpace(coedit.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
