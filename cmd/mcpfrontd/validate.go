package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcpfront/gateway/internal/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Parse and validate config.toml without starting the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := config.NewSource(configPath, nil)
		if err != nil {
			return err
		}
		defer source.Close()

		snapshot := source.Current()
		fmt.Printf("%s is valid: %d provider(s), %d runtime(s)\n", configPath, len(snapshot.Providers), len(snapshot.Runtimes))
		return nil
	},
}
