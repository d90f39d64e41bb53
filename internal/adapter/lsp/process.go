package lsp

import (
	"bufio"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	domain "github.com/polylsp/polylsp/internal/domain/lsp"
)

// Process owns one language server OS process for the lifetime of a session.
// No other component signals or waits on it; the transport only borrows the
// stdio pipes.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	log    *slog.Logger

	exitCh chan error

	termOnce sync.Once
}

// Spawn starts command in dir with its stdin/stdout piped. A missing
// executable or an OS refusal to create the process yields *domain.LaunchError.
// Stderr is drained to the log so a chatty server cannot block.
func Spawn(command string, args []string, dir string, log *slog.Logger) (*Process, error) {
	if _, err := exec.LookPath(command); err != nil {
		return nil, &domain.LaunchError{Command: command, Err: err}
	}

	cmd := exec.Command(command, args...) //nolint:gosec // command comes from trusted plugin config
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &domain.LaunchError{Command: command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, &domain.LaunchError{Command: command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, &domain.LaunchError{Command: command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, &domain.LaunchError{Command: command, Err: err}
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		log:    log,
		exitCh: make(chan error, 1),
	}

	go p.drainStderr(stderr)
	go func() {
		p.exitCh <- cmd.Wait()
		close(p.exitCh)
	}()

	return p, nil
}

// drainStderr forwards server stderr lines to the log.
func (p *Process) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		p.log.Debug("server stderr", "line", sc.Text())
	}
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exit returns a channel that receives the process's exit error (nil on
// clean exit) and is then closed. Used by the session to react to
// unexpected death.
func (p *Process) Exit() <-chan error {
	return p.exitCh
}

// Stdio returns an io.ReadWriteCloser over the process's stdout/stdin pair
// for the transport to borrow. Closing it closes both pipes, not the process.
func (p *Process) Stdio() io.ReadWriteCloser {
	return &stdioPipe{stdin: p.stdin, stdout: p.stdout}
}

// Terminate asks the process to stop and waits up to grace for it to exit,
// then force-kills it. Idempotent.
func (p *Process) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		// Closing stdin is the polite stop for stdio servers that already
		// received the exit notification.
		_ = p.stdin.Close()

		if p.cmd.Process == nil {
			return
		}
		_ = p.cmd.Process.Signal(gracefulStopSignal)

		select {
		case <-p.exitCh:
			return
		case <-time.After(grace):
		}

		p.log.Warn("server did not exit within grace period, killing", "pid", p.PID())
		_ = p.cmd.Process.Kill()
		<-p.exitCh
	})
}

// stdioPipe combines the write end of stdin and the read end of stdout into
// one stream for the framed connection.
type stdioPipe struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (s *stdioPipe) Read(b []byte) (int, error)  { return s.stdout.Read(b) }
func (s *stdioPipe) Write(b []byte) (int, error) { return s.stdin.Write(b) }
func (s *stdioPipe) Close() error {
	_ = s.stdin.Close()
	return s.stdout.Close()
}
