package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// maxLineSize bounds a single stream-json line read from stdout.
const maxLineSize = 10 * 1024 * 1024

// ErrProcessExited is returned when signalling or writing to a process that
// has already exited.
var ErrProcessExited = errors.New("session: process exited")

// Spawner abstracts subprocess creation for testability.
type Spawner interface {
	// Spawn starts a subprocess bound to opts.WorkDir.
	Spawn(ctx context.Context, opts SpawnOpts) (Process, error)
}

// SpawnOpts holds per-launch parameters.
type SpawnOpts struct {
	WorkDir  string // current directory of the process
	ResumeID string // protocol session to resume; empty starts fresh
}

// Process is a running stream-json subprocess with piped I/O.
type Process interface {
	// Write sends one request line to stdin.
	Write(line []byte) error
	// Lines delivers stdout lines. It is closed at end of stream.
	Lines() <-chan []byte
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Interrupt asks the process to abandon its current turn.
	Interrupt() error
	// Kill forcibly terminates the process and waits for it to exit.
	Kill() error
	// PID returns the OS process id.
	PID() int
}

// ClaudeSpawner implements Spawner by launching long-lived claude CLI
// processes in stream-json input/output mode.
type ClaudeSpawner struct {
	ClaudeBinary    string   // path to claude binary; defaults to "claude"
	MaxTurns        int      // --max-turns; omitted when zero
	AllowedTools    []string // --allowedTools allow-list
	SkipPermissions bool     // --dangerously-skip-permissions
}

// Args builds the argument vector for one launch.
func (s *ClaudeSpawner) Args(opts SpawnOpts) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if s.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if s.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(s.MaxTurns))
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	if len(s.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(s.AllowedTools, ","))
	}
	return args
}

// Spawn starts a claude subprocess in opts.WorkDir. The process outlives ctx;
// it ends only through Kill or on its own.
func (s *ClaudeSpawner) Spawn(ctx context.Context, opts SpawnOpts) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("session: spawn: %w", err)
	}
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("session: spawn: working directory is required")
	}
	binary := s.ClaudeBinary
	if binary == "" {
		binary = "claude"
	}

	cmd := exec.Command(binary, s.Args(opts)...)
	cmd.Dir = opts.WorkDir
	// Own process group so Kill takes down tool subprocesses as well.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 10 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("session: stdin pipe: %w", err)
	}

	// stdout is an explicit pipe so Wait never closes the read end under the
	// line reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("session: stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	stderr := &stderrLogger{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("session: start %s: %w", binary, err)
	}
	stdoutW.Close()
	stderr.setPID(cmd.Process.Pid)

	p := &claudeProcess{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan []byte, 256),
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}
	go p.readLines(stdoutR)
	go p.wait()

	return p, nil
}

// claudeProcess implements Process for a running claude subprocess.
type claudeProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	lines   chan []byte
	done    chan struct{}

	killOnce sync.Once
	killed   chan struct{}
	killErr  error
}

// readLines copies stdout lines to the Lines channel until EOF or Kill.
func (p *claudeProcess) readLines(r io.ReadCloser) {
	defer close(p.lines)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case p.lines <- line:
		case <-p.killed:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("session: pid %d: read stdout: %v", p.PID(), err)
	}
}

// wait reaps the process and closes Done.
func (p *claudeProcess) wait() {
	err := p.cmd.Wait()
	select {
	case <-p.killed:
	default:
		if err != nil {
			log.Printf("session: pid %d exited: %v", p.PID(), err)
		}
	}
	close(p.done)
}

func (p *claudeProcess) Write(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.done:
		return ErrProcessExited
	default:
	}
	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("session: write stdin: %w", err)
	}
	return nil
}

func (p *claudeProcess) Lines() <-chan []byte { return p.lines }

func (p *claudeProcess) Done() <-chan struct{} { return p.done }

func (p *claudeProcess) PID() int { return p.cmd.Process.Pid }

// Interrupt delivers SIGINT to the claude process itself, not its group.
func (p *claudeProcess) Interrupt() error {
	select {
	case <-p.done:
		return ErrProcessExited
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("session: interrupt pid %d: %w", p.PID(), err)
	}
	return nil
}

// Kill sends SIGKILL to the process group and blocks until the process has
// been reaped. Safe to call more than once.
func (p *claudeProcess) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.stdin.Close()
		select {
		case <-p.done:
			return
		default:
		}
		pid := p.cmd.Process.Pid
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			p.killErr = fmt.Errorf("session: kill pid %d: %w", pid, err)
		}
	})
	<-p.done
	return p.killErr
}

// stderrLogger forwards subprocess stderr to the log, one line per entry.
type stderrLogger struct {
	pid int
	mu  sync.Mutex
	buf []byte
}

func (w *stderrLogger) setPID(pid int) {
	w.mu.Lock()
	w.pid = pid
	w.mu.Unlock()
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			log.Printf("session: pid %d stderr: %s", w.pid, line)
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 64*1024 {
		w.buf = w.buf[:0]
	}
	return len(b), nil
}
