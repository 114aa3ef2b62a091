package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpfront/gateway/internal/config"
)

func requirePython3(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available on PATH")
	}
}

func TestPythonRuntimeNativeExecute(t *testing.T) {
	requirePython3(t)

	rt := NewPythonRuntime(config.RuntimeConfig{
		Name:           "py",
		ResourceLimits: config.ResourceLimits{TimeoutSeconds: 5},
	})
	require.NoError(t, rt.Validate(context.Background()))

	result, err := rt.Execute(context.Background(), `print("hello")`, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Stdout, "hello")
}

func TestPythonRuntimeNativeExecuteNonZeroExit(t *testing.T) {
	requirePython3(t)

	rt := NewPythonRuntime(config.RuntimeConfig{
		Name:           "py",
		ResourceLimits: config.ResourceLimits{TimeoutSeconds: 5},
	})
	_, err := rt.Execute(context.Background(), `import sys; sys.exit(3)`, nil)
	require.Error(t, err)
}

// TestPythonRuntimeNativeExecuteKillsProcessTreeOnTimeout verifies that a
// grandchild process spawned by a timed-out script does not outlive the
// timeout: executeNative must terminate the whole process group, not just
// the direct python3 pid.
func TestPythonRuntimeNativeExecuteKillsProcessTreeOnTimeout(t *testing.T) {
	requirePython3(t)

	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := fmt.Sprintf(`
import subprocess, time
child = subprocess.Popen(["sleep", "20"])
with open(%q, "w") as f:
    f.write(str(child.pid))
time.sleep(20)
`, pidFile)

	rt := NewPythonRuntime(config.RuntimeConfig{
		Name:           "py",
		ResourceLimits: config.ResourceLimits{TimeoutSeconds: 1},
	})

	_, err := rt.Execute(context.Background(), script, nil)
	require.Error(t, err)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err, "script should have written the grandchild pid before the timeout fired")
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return syscall.Kill(pid, syscall.Signal(0)) != nil
	}, 3*time.Second, 50*time.Millisecond, "grandchild process %d should have been killed with the process group", pid)
}

func TestPythonRuntimeValidateMissingInterpreter(t *testing.T) {
	rt := NewPythonRuntime(config.RuntimeConfig{Name: "py"})
	rt.cfg.WorkingDir = "" // no-op, documents that native mode needs nothing but PATH
	if _, err := exec.LookPath("python3"); err == nil {
		t.Skip("python3 is available; cannot exercise the missing-interpreter path")
	}
	require.Error(t, rt.Validate(context.Background()))
}
