package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var reloadPidFile string

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Signal a running mcpfrontd to re-read config.toml",
	Long:  "Sends SIGHUP to the pid recorded by 'mcpfrontd serve --pid-file'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload()
	},
}

func init() {
	reloadCmd.Flags().StringVar(&reloadPidFile, "pid-file", "mcpfrontd.pid", "pid file written by 'serve --pid-file'")
}

func runReload() error {
	raw, err := os.ReadFile(reloadPidFile)
	if err != nil {
		return fmt.Errorf("reading pid file %s: %w", reloadPidFile, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("pid file %s: %w", reloadPidFile, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signaling process %d: %w", pid, err)
	}
	fmt.Printf("sent reload signal to pid %d\n", pid)
	return nil
}
