package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrNotStarted is returned by operations that require a running process.
var ErrNotStarted = errors.New("agent process not started")

// CLIProcess runs an agent CLI as a child process and implements
// Process. The prompt is passed on the command line, follow-up input
// goes through stdin, and stdout is parsed as line-JSON events.
type CLIProcess struct {
	command string
	args    []string
	workDir string

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	sessionID string
	killed    bool
	suspended bool

	events  chan Event
	outTail *TailBuffer
	errTail *TailBuffer
	waitErr error
	done    chan struct{}
}

// NewCLIProcess creates a process for the given agent command. args are
// passed before the prompt. outputCap bounds the retained output tail
// in bytes.
func NewCLIProcess(command string, args []string, workDir string, outputCap int) *CLIProcess {
	return &CLIProcess{
		command: command,
		args:    args,
		workDir: workDir,
		events:  make(chan Event, 64),
		outTail: NewTailBuffer(outputCap),
		errTail: NewTailBuffer(outputCap),
		done:    make(chan struct{}),
	}
}

// Start launches the agent process. The prompt is appended to the
// configured args. The process is placed in its own process group so
// suspend and kill reach its descendants.
func (p *CLIProcess) Start(ctx context.Context, prompt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return errors.New("agent process already started")
	}

	args := append(append([]string{}, p.args...), prompt)
	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.Dir = p.workDir
	cmd.SysProcAttr = procAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.command, err)
	}
	p.cmd = cmd
	p.stdin = stdin

	inner := make(chan Event, 64)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		parseStream(stdout, inner)
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
		for scanner.Scan() {
			inner <- Event{Type: EventStderr, Text: scanner.Text(), Timestamp: time.Now()}
		}
	}()
	go func() {
		wg.Wait()
		close(inner)
	}()
	go p.relay(inner)

	return nil
}

// relay forwards parsed events to the consumer channel while recording
// output tails and capturing the session id.
func (p *CLIProcess) relay(inner <-chan Event) {
	for ev := range inner {
		switch ev.Type {
		case EventSessionInit:
			p.mu.Lock()
			p.sessionID = ev.SessionID
			p.mu.Unlock()
		case EventText, EventResult:
			p.outTail.WriteString(ev.Text + "\n")
		case EventStderr:
			p.errTail.WriteString(ev.Text + "\n")
		}
		p.events <- ev
	}
	close(p.events)
}

// WriteLine sends one line to the process's stdin.
func (p *CLIProcess) WriteLine(line string) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()

	if stdin == nil {
		return ErrNotStarted
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := io.WriteString(stdin, line); err != nil {
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

// Events returns the parsed output event stream.
func (p *CLIProcess) Events() <-chan Event {
	return p.events
}

// Wait blocks until the process exits and all output has been parsed.
func (p *CLIProcess) Wait() ExitResult {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil {
		return ExitResult{ExitCode: -1, Err: ErrNotStarted}
	}

	// Drain completes before Wait so pipe reads finish first.
	for range p.events {
	}
	err := cmd.Wait()

	p.mu.Lock()
	killed := p.killed
	p.stdin = nil
	p.mu.Unlock()

	result := ExitResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   p.outTail.String(),
		Stderr:   p.errTail.String(),
		Killed:   killed,
	}
	if err != nil && !killed {
		result.Err = err
	}
	close(p.done)
	return result
}

// Done is closed once Wait has returned.
func (p *CLIProcess) Done() <-chan struct{} {
	return p.done
}

// Kill terminates the process group.
func (p *CLIProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil || p.killed {
		return
	}
	p.killed = true
	// A suspended tree cannot handle a TERM signal, continue it first.
	if p.suspended {
		_ = signalTree(p.cmd.Process.Pid, sigContinue)
		p.suspended = false
	}
	_ = signalTree(p.cmd.Process.Pid, sigKill)
}

// SuspendTree stops the process group in place.
func (p *CLIProcess) SuspendTree() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return ErrNotStarted
	}
	if p.suspended {
		return nil
	}
	if err := signalTree(p.cmd.Process.Pid, sigStop); err != nil {
		return fmt.Errorf("suspend process group %d: %w", p.cmd.Process.Pid, err)
	}
	p.suspended = true
	return nil
}

// ResumeTree continues a suspended process group.
func (p *CLIProcess) ResumeTree() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return ErrNotStarted
	}
	if !p.suspended {
		return nil
	}
	if err := signalTree(p.cmd.Process.Pid, sigContinue); err != nil {
		return fmt.Errorf("resume process group %d: %w", p.cmd.Process.Pid, err)
	}
	p.suspended = false
	return nil
}

// SessionID returns the agent session id, or "" until known.
func (p *CLIProcess) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

var _ Process = (*CLIProcess)(nil)
