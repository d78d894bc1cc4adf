// Copyright 2025 Sophic Technical Solutions
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

package external

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Sophic-Technical-Solutions/kismet/internal/ipctracker"
)

// Launch failure stages reported by RunIPC.
const (
	LaunchStageMissingBinary = "missing-binary"
	LaunchStagePermissions   = "permissions"
	LaunchStagePipe          = "pipe"
	LaunchStageFork          = "fork"
)

// LaunchError describes a synchronous IPC launch failure. Nothing was
// opened, so it does not trigger endpoint teardown.
type LaunchError struct {
	Stage  string
	Detail string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("ipc launch failed at %s: %s", e.Stage, e.Detail)
}

// CheckIPC reports whether the helper binary can be located on the search
// path with the execute bit set.
func (e *Endpoint) CheckIPC(binary string) bool {
	_, _, err := e.findHelperBinary(binary)
	return err == nil
}

// findHelperBinary walks the expanded search path list looking for a
// regular file with the owner-execute bit set.
func (e *Endpoint) findHelperBinary(binary string) (string, os.FileInfo, error) {
	paths := e.opts.BinaryPaths
	if len(paths) == 0 {
		if exe, err := os.Executable(); err == nil {
			paths = []string{filepath.Dir(exe)}
		}
	}

	for _, dir := range paths {
		fp := filepath.Join(dir, binary)

		fi, err := os.Stat(fp)
		if err != nil {
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		if fi.Mode().Perm()&0o100 != 0 {
			return fp, fi, nil
		}
	}

	return "", nil, &LaunchError{
		Stage:  LaunchStageMissingBinary,
		Detail: fmt.Sprintf("can not find IPC binary for launch: %s", binary),
	}
}

// checkHelperAccess verifies the current process may execute a helper that
// is not world-executable: the uid must own it or be root, or the gid (or
// a supplementary group) must match the file's group.
func checkHelperAccess(path string, fi os.FileInfo) error {
	if fi.Mode().Perm()&0o001 != 0 {
		return nil
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}

	uid := os.Getuid()
	if uid == int(st.Uid) || uid == 0 {
		return nil
	}

	if os.Getgid() == int(st.Gid) {
		return nil
	}

	groups, err := os.Getgroups()
	if err == nil {
		for _, g := range groups {
			if g == int(st.Gid) {
				return nil
			}
		}
	}

	return &LaunchError{
		Stage: LaunchStagePermissions,
		Detail: fmt.Sprintf("IPC cannot run binary '%s', the daemon was installed "+
			"setgid and you are not in that group. If you recently added your "+
			"user to the group, you will need to log out and back in to "+
			"activate it. You can check your groups with the 'groups' command.", path),
	}
}

// RunIPC locates the helper binary, launches it with the protocol pipe
// pair on injected file descriptors, and starts the protocol engine.
func (e *Endpoint) RunIPC() error {
	e.mu.Lock()

	e.stopped = true

	if e.tcp != nil {
		e.mu.Unlock()
		return ErrTransportConflict
	}
	if e.ipcPID > 0 {
		e.mu.Unlock()
		return ErrTransportConflict
	}

	if e.opts.Binary == "" {
		e.mu.Unlock()
		e.logger.Error("external interface did not have an IPC binary to launch")
		return &LaunchError{Stage: LaunchStageMissingBinary, Detail: "no helper binary configured"}
	}

	helperPath, fi, err := e.findHelperBinary(e.opts.Binary)
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("external interface can not find IPC binary for launch",
			"helper", e.opts.Binary)
		return err
	}

	if err := checkHelperAccess(helperPath, fi); err != nil {
		e.mu.Unlock()
		e.logger.Error("external interface can not execute IPC binary",
			"helper", helperPath, "error", err)
		return err
	}

	// 'in' pipe carries daemon to helper traffic, 'out' pipe the reverse.
	inRead, inWrite, err := os.Pipe()
	if err != nil {
		e.mu.Unlock()
		return &LaunchError{Stage: LaunchStagePipe, Detail: err.Error()}
	}

	outRead, outWrite, err := os.Pipe()
	if err != nil {
		inRead.Close()
		inWrite.Close()
		e.mu.Unlock()
		return &LaunchError{Stage: LaunchStagePipe, Detail: err.Error()}
	}

	// Child argv: resolved path, the injected fd arguments, user args.
	// ExtraFiles land at fd 3 and 4 in the child.
	args := append([]string{"--in-fd=3", "--out-fd=4"}, e.opts.Args...)
	cmd := exec.Command(helperPath, args...)
	cmd.ExtraFiles = []*os.File{inRead, outWrite}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		inRead.Close()
		inWrite.Close()
		outRead.Close()
		outWrite.Close()
		e.mu.Unlock()
		return &LaunchError{Stage: LaunchStageFork, Detail: err.Error()}
	}

	// The child holds its own copies now.
	inRead.Close()
	outWrite.Close()

	pipes := &pipePair{r: outRead, w: inWrite}
	e.pipes = pipes
	e.ipcPID = cmd.Process.Pid

	if e.opts.IPCTracker != nil {
		e.opts.IPCTracker.Register(ipctracker.Record{
			PID: cmd.Process.Pid,
			Cmd: cmd,
			OnClose: func(string) {
				e.Close()
			},
			OnError: func(reason string) {
				e.TriggerError(reason)
			},
		})
	}

	e.stopped = false
	e.cancelled = false
	e.funneled = false
	e.lastPong = time.Now()

	e.startWatchdogLocked()

	if e.opts.DevWatch {
		e.startDevWatchLocked(helperPath)
	}

	e.mu.Unlock()

	ipcLaunches.Inc()
	e.logger.Info("launched external helper", "helper", helperPath, "pid", cmd.Process.Pid)

	e.wg.Add(1)
	go e.readLoop(pipes)

	return nil
}

// IPCSoftKill closes the pipe pair and delivers SIGTERM to the child.
// Advisory; callers wanting a grace period soft-kill, wait, then hard-kill.
func (e *Endpoint) IPCSoftKill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ipcKillLocked(false)
}

// IPCHardKill closes the pipe pair and delivers SIGKILL to the child.
func (e *Endpoint) IPCHardKill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ipcKillLocked(true)
}

// ipcKillLocked tears down the IPC side. Caller holds the endpoint mutex.
func (e *Endpoint) ipcKillLocked(hard bool) {
	e.stopped = true
	e.cancelled = true

	if e.pipes != nil {
		e.pipes.Cancel()
		_ = e.pipes.Close()
		e.pipes = nil
	}

	if e.ipcPID > 0 {
		if e.opts.IPCTracker != nil {
			e.opts.IPCTracker.Remove(e.ipcPID)
		}

		sig := syscall.SIGTERM
		if hard {
			sig = syscall.SIGKILL
		}
		_ = syscall.Kill(e.ipcPID, sig)

		e.ipcPID = 0
	}
}

// IPCPid returns the helper child pid, or 0 when no child is live.
func (e *Endpoint) IPCPid() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ipcPID
}
