package deployer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/kavos113/ctf-instancer/domain"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}

	path := filepath.Join(t.TempDir(), "deploy.sh")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func testScriptDeployer() *ScriptDeployer {
	return NewScriptDeployer(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestScriptDeployerCapturesPrefixedLines(t *testing.T) {
	path := writeScript(t, `
echo "pulling image..."
echo "$ nc challenge.example.com 31337"
echo "$ password: hunter2"
echo "done" >&2
`)
	challenge := &domain.Challenge{ID: "web-1", Deployer: path}

	details, err := testScriptDeployer().Invoke(context.Background(), domain.CommandStart, challenge, "cafebabe00112233")
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	want := "nc challenge.example.com 31337\npassword: hunter2"
	if details != want {
		t.Errorf("details = %q, want %q", details, want)
	}
}

func TestScriptDeployerPassesArguments(t *testing.T) {
	path := writeScript(t, `echo "$ $1 $2 $3"`)
	challenge := &domain.Challenge{ID: "web-1", Deployer: path}

	details, err := testScriptDeployer().Invoke(context.Background(), domain.CommandStop, challenge, "cafebabe00112233")
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	want := "stop web-1 cafebabe00112233"
	if details != want {
		t.Errorf("arguments = %q, want %q", details, want)
	}
}

func TestScriptDeployerUnsupportedExitCode(t *testing.T) {
	path := writeScript(t, "exit 3\n")
	challenge := &domain.Challenge{ID: "web-1", Deployer: path}

	_, err := testScriptDeployer().Invoke(context.Background(), domain.CommandCleanup, challenge, "cafebabe00112233")
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("Invoke() error = %v, want ErrUnsupported", err)
	}
}

func TestScriptDeployerNonZeroExitFails(t *testing.T) {
	path := writeScript(t, "echo \"boom\" >&2\nexit 1\n")
	challenge := &domain.Challenge{ID: "web-1", Deployer: path}

	_, err := testScriptDeployer().Invoke(context.Background(), domain.CommandStart, challenge, "cafebabe00112233")
	if err == nil || errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("Invoke() error = %v, want generic failure", err)
	}
}

func TestScriptDeployerAbandonedOnTimeout(t *testing.T) {
	path := writeScript(t, "sleep 30\n")
	challenge := &domain.Challenge{ID: "web-1", Deployer: path}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := testScriptDeployer().Invoke(ctx, domain.CommandStart, challenge, "cafebabe00112233")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Invoke() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Invoke() blocked for %v after the deadline", elapsed)
	}
}
