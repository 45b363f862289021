package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"
)

// terminateGrace 是发送终止信号后等待进程退出的最长时间，超时后强制 kill。
const terminateGrace = 5 * time.Second

// Process 是一个正在运行的内核进程。
type Process interface {
	// Terminate 结束进程并等待其退出，重复调用是安全的。
	Terminate() error
}

// Launcher 负责启动内核进程。
type Launcher interface {
	Launch(ctx context.Context, configPath string) (Process, error)
}

// ExecLauncher 以子进程方式运行工作目录中的内核二进制。
type ExecLauncher struct {
	Workspace string
	BinName   string
}

// Launch 确保二进制可执行，然后以 `-d <workspace> -f <config>` 启动它。
func (l *ExecLauncher) Launch(ctx context.Context, configPath string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	binPath := l.BinName
	if !filepath.IsAbs(binPath) {
		binPath = filepath.Join(l.Workspace, l.BinName)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(binPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to make engine executable: %w", err)
		}
	}

	// 进程生命周期由批次控制，不绑定到 ctx
	cmd := exec.Command(binPath, "-d", l.Workspace, "-f", configPath)
	cmd.Dir = l.Workspace
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (p *execProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if runtime.GOOS == "windows" {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-p.done
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal engine: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(terminateGrace):
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill engine: %w", err)
	}
	<-p.done
	return nil
}
