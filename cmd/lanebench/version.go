package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/studiowebux/lanebench/internal/version"
)

var checkUpdate bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the lanebench version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("lanebench %s\n", version.Version)
		if !checkUpdate {
			return nil
		}

		update, err := version.NewChecker().CheckForUpdate(cmd.Context(), version.Version)
		if err != nil {
			return fmt.Errorf("failed to check for updates: %w", err)
		}
		if update.Available {
			fmt.Printf("A newer version is available: %s\n%s\n", update.Latest, update.URL)
		} else {
			fmt.Println("You are running the latest version")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&checkUpdate, "check", false, "Check for a newer release")
}
