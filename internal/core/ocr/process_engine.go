package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CommandRunner executes an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. The process is killed when ctx ends.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// ProcessEngine runs an engine as a spawned process. The command receives
// the document path and prints a Result as JSON on stdout.
type ProcessEngine struct {
	name     string
	command  []string
	runner   CommandRunner
	lookPath func(string) (string, error)
}

// NewProcessEngine wraps command (binary followed by fixed arguments).
func NewProcessEngine(name string, command []string, runner CommandRunner) *ProcessEngine {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &ProcessEngine{name: name, command: command, runner: runner, lookPath: exec.LookPath}
}

func (e *ProcessEngine) Name() string { return e.name }

// Health only checks that the binary resolves.
func (e *ProcessEngine) Health(ctx context.Context) error {
	if len(e.command) == 0 {
		return errors.New("no command configured")
	}
	if _, err := e.lookPath(e.command[0]); err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	return ctx.Err()
}

func (e *ProcessEngine) Process(ctx context.Context, in Request) (*Result, error) {
	if len(e.command) == 0 {
		return nil, errors.New("no command configured")
	}

	dir, err := os.MkdirTemp("", "docket-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	name := filepath.Base(in.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = "document"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, in.FileBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	args := append([]string{}, e.command[1:]...)
	args = append(args, "--input", path, "--device", string(in.DeviceHint))
	if in.LanguageHint != "" {
		args = append(args, "--language", in.LanguageHint)
	}
	if in.ExtractCharts {
		args = append(args, "--extract-charts")
	}

	out, err := e.runner.Run(ctx, e.command[0], args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}
	return decodeResult(e.name, bytes.NewReader(out))
}
