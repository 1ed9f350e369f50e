// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/tombee/modhost/internal/bus"
	"github.com/tombee/modhost/internal/log"
)

// ProcessConfig configures the process executor.
type ProcessConfig struct {
	// Binary is the executable started for each worker.
	// Default: the running executable.
	Binary string
	// Args are passed to Binary. Default: ["worker"].
	Args []string
	// Stderr receives worker stderr. Default: os.Stderr.
	Stderr io.Writer
	Logger *slog.Logger
}

// Process runs each worker as a child process speaking JSON lines on
// stdin and stdout.
type Process struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

var _ Executor = (*Process)(nil)

// NewProcess creates a process executor.
func NewProcess(cfg ProcessConfig) (*Process, error) {
	if cfg.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving worker binary: %w", err)
		}
		cfg.Binary = exe
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"worker"}
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Process{cfg: cfg, logger: log.WithComponent(cfg.Logger, "executor.process")}, nil
}

// Type implements Executor.
func (p *Process) Type() Type { return TypeProcess }

// Create implements Executor. The worker is not bound to ctx; it runs until
// it exits or is killed.
func (p *Process) Create(ctx context.Context, env Environment) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	encoded, err := env.Encode()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(p.cfg.Binary, p.cfg.Args...)
	cmd.Env = append(append(os.Environ(), env.Env...), EnvDescriptor+"="+encoded)
	if dir := env.Descriptor.InstalledDir; dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			cmd.Dir = dir
		}
	}
	cmd.Stderr = p.cfg.Stderr
	// Own process group so a signal to the host does not reach workers first.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	h := &processHandle{
		eventStream: newEventStream(),
		id:          env.Descriptor.ID,
		cmd:         cmd,
		stdin:       stdin,
		transport:   bus.NewStreamTransport(stdout, stdin),
		logger:      log.WithModule(p.logger, env.Descriptor.ID, env.Descriptor.Name).With("pid", cmd.Process.Pid),
	}
	h.logger.Debug("worker process started")
	h.emit(Event{Type: EventOnline})
	go h.run()
	return h, nil
}

type processHandle struct {
	*eventStream
	id        int
	cmd       *exec.Cmd
	stdin     io.Closer
	transport *bus.StreamTransport
	logger    *slog.Logger
}

func (h *processHandle) ModuleID() int { return h.id }

func (h *processHandle) Send(msg bus.Message) error {
	if h.exited() {
		return fmt.Errorf("worker for module %d has exited", h.id)
	}
	return h.transport.Send(msg)
}

// Kill signals the worker's whole process group so anything the module
// started goes down with it.
func (h *processHandle) Kill(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		err := h.cmd.Process.Signal(sig)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	return signalGroup(h.cmd.Process.Pid, s)
}

// signalGroup sends sig to the process group led by pid. A group with no
// members left is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// run reads worker output until EOF, then reaps the process.
func (h *processHandle) run() {
	for {
		msg, err := h.transport.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.emit(Event{Type: EventError, Err: err})
			}
			break
		}
		h.emit(Event{Type: EventMessage, Message: msg})
	}
	h.emit(Event{Type: EventDisconnect})
	_ = h.stdin.Close()

	err := h.cmd.Wait()
	// Reap whatever the worker left behind in its group.
	if kerr := signalGroup(h.cmd.Process.Pid, syscall.SIGKILL); kerr != nil {
		h.logger.Debug("clearing worker process group", log.Error(kerr))
	}
	code, signal := exitStatus(h.cmd.ProcessState)
	if err != nil && h.cmd.ProcessState == nil {
		h.emit(Event{Type: EventError, Err: err})
		code = 1
	}
	h.logger.Debug("worker process exited", "code", code, "signal", signal)
	h.exit(code, signal)
}

func exitStatus(ps *os.ProcessState) (int, string) {
	if ps == nil {
		return 1, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ps.ExitCode(), signalName(ws.Signal())
	}
	return ps.ExitCode(), ""
}
