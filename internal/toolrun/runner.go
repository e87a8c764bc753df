package toolrun

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"audio-converter/internal/domain"
)

// DefaultTailLines is how much diagnostic output is kept for error messages.
const DefaultTailLines = 20

// Command describes one external tool invocation.
type Command struct {
	Binary  string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
	// OnLine receives every stdout and stderr line as it arrives. Lines are
	// split on both \n and \r so carriage-return progress updates are seen.
	OnLine func(line string)
	// TailLines bounds the diagnostic tail; zero selects DefaultTailLines.
	TailLines int
}

// Result is the outcome of a finished invocation.
type Result struct {
	ExitCode int
	Tail     []string
	Duration time.Duration
}

// TailText joins the diagnostic tail for error messages.
func (r *Result) TailText() string {
	if r == nil {
		return ""
	}
	return strings.Join(r.Tail, "\n")
}

// Runner launches external tools.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

// ExitError reports a non-zero exit together with the diagnostic tail.
type ExitError struct {
	Binary   string
	ExitCode int
	Tail     string
}

func (e *ExitError) Error() string {
	if e.Tail == "" {
		return fmt.Sprintf("%s exited with status %d", e.Binary, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Binary, e.ExitCode, e.Tail)
}

// Run starts the command, streams its output and waits for it. A hard
// timeout kills the process and yields an error matching domain.ErrTimeout.
func (ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...) //nolint:gosec
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Binary, err)
	}

	tail := newTailBuffer(c.TailLines)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		scanErr error
		once    sync.Once
	)

	forward := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		tail.add(line)
		if c.OnLine != nil {
			c.OnLine(line)
		}
	}

	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		scanner.Split(scanLinesOrCR)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				forward(line)
			}
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() { scanErr = err })
			// drain the rest so the child never blocks on a full pipe
			_, _ = io.Copy(io.Discard, r)
		}
	}

	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	waitErr := cmd.Wait()
	result := &Result{Tail: tail.lines(), Duration: time.Since(started)}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, domain.NewStageError(domain.ErrTimeout, "", fmt.Sprintf("%s timed out after %s", c.Binary, c.Timeout), nil)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return result, &ExitError{Binary: c.Binary, ExitCode: exitErr.ExitCode(), Tail: result.TailText()}
		}
		return result, fmt.Errorf("wait %s: %w", c.Binary, waitErr)
	}
	if scanErr != nil {
		return result, fmt.Errorf("scan %s output: %w", c.Binary, scanErr)
	}
	return result, nil
}

func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type tailBuffer struct {
	max int
	buf []string
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = DefaultTailLines
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) add(line string) {
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *tailBuffer) lines() []string {
	out := make([]string, len(t.buf))
	copy(out, t.buf)
	return out
}
