package rebuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/tiles"
)

// ErrExitStatus is returned when the packager exits non-zero.
var ErrExitStatus = errors.New("packager exited with non-zero status")

// Job describes one packaging run.
type Job struct {
	Shard     tiles.ShardKey
	OutputDir string
	Upload    bool
}

// Runner executes the packaging step for a single shard.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// CommandRunner spawns the external packaging command:
//
//	<Command> <Args...> --output <dir> --dataset <dataset> --shard <dataset:shardId> [--upload]
type CommandRunner struct {
	Command string
	Args    []string
	Env     []string // extra KEY=VALUE entries appended to the environment
}

// stderrTail bounds how much packager output is kept in error text.
const stderrTail = 2048

// Run starts the command and waits for it to exit.
func (r CommandRunner) Run(ctx context.Context, job Job) error {
	if r.Command == "" {
		return errors.New("no packaging command configured")
	}

	cmd := exec.CommandContext(ctx, r.Command, r.args(job)...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &logWriter{log: slog.With("component", "packager", "shard", job.Shard.String())}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", r.Command, err)
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s exit code %d: %s",
				ErrExitStatus, r.Command, exitErr.ExitCode(), tail(stderr.String()))
		}
		return fmt.Errorf("wait %s: %w", r.Command, err)
	}
	return nil
}

func (r CommandRunner) args(job Job) []string {
	args := append([]string{}, r.Args...)
	args = append(args,
		"--output", job.OutputDir,
		"--dataset", job.Shard.Dataset,
		"--shard", job.Shard.String(),
	)
	if job.Upload {
		args = append(args, "--upload")
	}
	return args
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}

// logWriter forwards packager stdout lines to the logger.
type logWriter struct {
	log *slog.Logger
	buf []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.buf[:i])); line != "" {
			w.log.Debug(line)
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
