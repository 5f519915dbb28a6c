package deployer

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/kavos113/ctf-instancer/domain"
)

// Exit code a script returns to signal it does not implement a command.
const exitUnsupported = 3

const detailsPrefix = "$ "

// ScriptDeployer runs a per-challenge executable with the command name,
// challenge id and user token as arguments. Stdout lines starting with
// "$ " become the connection details shown to the user; everything else
// on stdout and stderr is diagnostic output.
//
// On context expiry the process is abandoned, not killed: scripts are
// expected to converge on their own, and a later cleanup command is the
// supported way to tear down whatever the abandoned run left behind.
type ScriptDeployer struct {
	logger *slog.Logger
}

func NewScriptDeployer(logger *slog.Logger) *ScriptDeployer {
	return &ScriptDeployer{logger: logger}
}

func (d *ScriptDeployer) Invoke(ctx context.Context, cmd domain.DeployCommand, challenge *domain.Challenge, userToken string) (string, error) {
	proc := exec.Command(challenge.Deployer, string(cmd), challenge.ID, userToken)

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		return "", fmt.Errorf("failed to start deployer %s: %w", challenge.Deployer, err)
	}

	var details []string
	var mu sync.Mutex
	scanned := make(chan struct{})

	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, detailsPrefix) {
				mu.Lock()
				details = append(details, line[len(detailsPrefix):])
				mu.Unlock()
			} else {
				d.logger.Debug("deployer stdout",
					slog.String("challenge_id", challenge.ID),
					slog.String("line", line))
			}
		}
	}()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			d.logger.Warn("deployer stderr",
				slog.String("challenge_id", challenge.ID),
				slog.String("line", scanner.Text()))
		}
	}()

	done := make(chan error, 1)
	go func() {
		<-scanned
		done <- proc.Wait()
	}()

	select {
	case <-ctx.Done():
		d.logger.Warn("abandoning deployer",
			slog.String("challenge_id", challenge.ID),
			slog.String("command", string(cmd)),
			slog.Int("pid", proc.Process.Pid))
		return "", fmt.Errorf("deployer %s %s: %w", challenge.Deployer, cmd, ctx.Err())
	case err := <-done:
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == exitUnsupported {
			return "", domain.ErrUnsupported
		}
		if err != nil {
			return "", fmt.Errorf("deployer %s %s: %w", challenge.Deployer, cmd, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return strings.Join(details, "\n"), nil
}
