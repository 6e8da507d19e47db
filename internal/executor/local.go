package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// LocalExecutor runs commands on the control host itself, for inventory
// entries with ansible_connection=local.
type LocalExecutor struct {
	logger *slog.Logger
}

var _ Executor = (*LocalExecutor)(nil)

// NewLocalExecutor creates a LocalExecutor.
func NewLocalExecutor(logger *slog.Logger) *LocalExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalExecutor{logger: logger}
}

func runLocal(ctx context.Context, cmd string) (int, []string, []string, error) {
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd) // #nosec G204 -- commands are built by the tc package
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.WaitDelay = time.Second

	err := c.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), splitLines(stdout.String()), splitLines(stderr.String()), nil
	}
	if err != nil {
		return 0, nil, nil, err
	}
	return 0, splitLines(stdout.String()), splitLines(stderr.String()), nil
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Params.Check {
		e.logger.Info("check mode, not executing", "host", req.Host, "command", req.Command)
		return &Result{Host: req.Host, Stdout: []string{"check mode: " + req.Command}}, nil
	}

	cmd := wrapBecome(withModulePath(req.Command, req.Params), req.Params)
	res := &Result{Host: req.Host}
	var err error
	res.ExitStatus, res.Stdout, res.Stderr, err = runLocal(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("running command on %s: %w", req.Host, err)
	}

	if req.GatherFacts {
		_, out, _, err := runLocal(ctx, factsScript)
		if err != nil {
			e.logger.Warn("gathering facts failed", "host", req.Host, "error", err)
		} else {
			facts := ParseFacts(out)
			res.Facts = &facts
		}
	}
	return res, nil
}
