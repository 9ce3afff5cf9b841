// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// Process is the parent-side handle of a spawned worker. Worker events
// (Ready, Consume) arrive on Receive; commands (Update, Ack) go out with Send.
type Process struct {
	*Stream
	cmd *exec.Cmd
}

// Spawn starts the worker binary at path and connects to its stdio.
// The worker's stderr is passed through to the parent's stderr.
func Spawn(ctx context.Context, path string, args []string, env []string, logger *slog.Logger) (*Process, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	return &Process{
		Stream: NewStream(stdout, stdin, logger),
		cmd:    cmd,
	}, nil
}

// Pid returns the worker's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait closes the worker's stdin, drains its stdout and waits for it to exit.
func (p *Process) Wait() error {
	_ = p.Stream.CloseWrite()
	<-p.Stream.readDone
	return p.cmd.Wait()
}
