package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"syscall"
	"time"

	"github.com/mcpfront/gateway/internal/config"
)

var httpClient = &http.Client{}

// newJSONRequest builds a context-bound HTTP request with a JSON body
// (body may be nil for a bodiless request such as a health probe).
func newJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func doHTTP(req *http.Request) (*http.Response, error) {
	return httpClient.Do(req)
}

// isolateProcessGroup puts cmd in its own process group and rewires the
// cancellation exec.CommandContext installs so that ctx expiring (the
// execution timeout) kills that whole group, not just cmd's direct pid — a
// script that forks children would otherwise leave them running as orphans
// past the timeout.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 2 * time.Second
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// effectiveLimits returns lim with any zero-valued field replaced by the
// runtime's default, so a partially-specified `[runtimes.resource_limits]`
// table still yields safe bounds.
func effectiveLimits(lim config.ResourceLimits) config.ResourceLimits {
	defaults := config.DefaultResourceLimits()
	if lim.MaxMemoryMB == 0 {
		lim.MaxMemoryMB = defaults.MaxMemoryMB
	}
	if lim.MaxCPUPercent == 0 {
		lim.MaxCPUPercent = defaults.MaxCPUPercent
	}
	if lim.TimeoutSeconds == 0 {
		lim.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if lim.Filesystem.Mode == "" {
		lim.Filesystem = defaults.Filesystem
	}
	return lim
}

// scrubbedEnv builds a minimal environment for a spawned script process: only
// explicitly configured env vars plus the bare essentials (PATH, HOME), the
// MCPFRONT_MAX_MEMORY_MB and MCPFRONT_TIMEOUT_SECONDS limits, and NO_NETWORK=1
// when network access is off, never
// the gateway process's own environment — the host's secrets and credentials
// must never leak into a sandboxed script.
func scrubbedEnv(extra map[string]string, limits config.ResourceLimits) []string {
	env := []string{
		"PATH=/usr/bin:/bin:/usr/local/bin",
		"HOME=/tmp",
		fmt.Sprintf("MCPFRONT_MAX_MEMORY_MB=%d", limits.MaxMemoryMB),
		fmt.Sprintf("MCPFRONT_TIMEOUT_SECONDS=%d", limits.TimeoutSeconds),
	}
	if !limits.NetworkAccess {
		env = append(env, "NO_NETWORK=1")
	}
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
