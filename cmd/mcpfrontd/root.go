package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mcpfrontd",
	Short: "MCP aggregating gateway",
	Long: `mcpfrontd fronts a set of upstream MCP servers behind one canonical tool
namespace, reconciling each server's tool catalog and dispatching tools/call
to the right upstream by qualified or bare tool name. It also hosts a Script
Runtime Manager for executing sandboxed python/node scripts on demand.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to config.toml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(reloadCmd)
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
