package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// OutputFileEnv names the environment variable holding the path a step
// writes key=value lines to in order to declare outputs.
const OutputFileEnv = "OXIDE_OUTPUT"

// ShellExecutor runs step scripts directly on the host through the step's
// shell. It backs host stages and serves as the fallback substrate in
// development setups without a container runtime.
type ShellExecutor struct{}

var _ core.Executor = (*ShellExecutor)(nil)

func (e *ShellExecutor) Run(ctx context.Context, req core.ExecutorRequest) (*core.ExecutorResult, error) {
	if req.Step.Plugin != "" {
		return nil, fmt.Errorf("plugin steps are not supported by the shell executor: %q", req.Step.Plugin)
	}

	outputFile, err := os.CreateTemp("", "step-output-*")
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	outputPath := outputFile.Name()
	_ = outputFile.Close()
	defer func() { _ = os.Remove(outputPath) }()

	cmd := exec.CommandContext(ctx, req.Step.EffectiveShell(), "-c", req.Step.Run)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = append(os.Environ(), OutputFileEnv+"="+outputPath)
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start step: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, "stdout", req.OnOutput)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, "stderr", req.OnOutput)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &core.ExecutorResult{}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("run step: %w", waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	outputs, err := parseOutputFile(outputPath)
	if err != nil {
		return nil, err
	}
	result.Outputs = outputs
	return result, nil
}

func streamLines(r io.Reader, stream string, onOutput func(stream, line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onOutput != nil {
			onOutput(stream, scanner.Text())
		}
	}
}

// parseOutputFile reads key=value lines written by the step. Malformed lines
// are ignored.
func parseOutputFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	defer func() { _ = f.Close() }()

	outputs := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found || strings.TrimSpace(key) == "" {
			continue
		}
		outputs[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read output file: %w", err)
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	return outputs, nil
}
