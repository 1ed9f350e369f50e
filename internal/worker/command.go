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

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/tombee/modhost/internal/module"
)

// commandStopGrace is how long Unload waits after SIGTERM before SIGKILL.
const commandStopGrace = 5 * time.Second

// commandModule runs load.command from the module's install directory. A
// oneshot module runs the command to completion inside Load; any other
// module starts it in Load and stops it in Unload.
type commandModule struct {
	desc *module.Descriptor
	cmd  *exec.Cmd
	done chan error
}

func newCommandModule(d *module.Descriptor) *commandModule {
	return &commandModule{desc: d}
}

func (m *commandModule) Load(ctx context.Context, host Host) (any, error) {
	argv := m.desc.Load.Command
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = m.desc.InstalledDir
	// Worker stdout carries the protocol, so the command only gets stderr.
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	// The command stays in the worker's process group so killing the
	// worker takes it down too.
	cmd.Env = os.Environ()

	if m.desc.IsOneshot() {
		host.Logger().Debug("running oneshot command", "argv", argv)
		if err := runContext(ctx, cmd); err != nil {
			return nil, fmt.Errorf("command %s: %w", argv[0], err)
		}
		return map[string]int{"exitCode": 0}, nil
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}
	m.cmd = cmd
	m.done = make(chan error, 1)
	go func() {
		m.done <- cmd.Wait()
	}()
	return map[string]int{"pid": cmd.Process.Pid}, nil
}

func runContext(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitCh
		return ctx.Err()
	}
}

// Done implements Runner.
func (m *commandModule) Done() <-chan error {
	return m.done
}

// Unload sends SIGTERM to the command and escalates to SIGKILL after a grace
// period.
func (m *commandModule) Unload(ctx context.Context) error {
	if m.cmd == nil {
		return nil
	}
	if err := m.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("stopping command: %w", err)
	}

	timer := time.NewTimer(commandStopGrace)
	defer timer.Stop()
	select {
	case <-m.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = m.cmd.Process.Kill()
	<-m.done
	return nil
}
