// Package sevenzip wraps the 7-Zip command line tool for archive extraction.
package sevenzip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Classified extraction failures. The caller maps these onto job errors.
var (
	ErrWrongPassword  = errors.New("wrong password")
	ErrDataCorruption = errors.New("archive data corrupted")
)

// Callbacks receive extraction events as output is parsed.
type Callbacks struct {
	// OnStart delivers the subprocess pid once after spawn.
	OnStart func(pid int)
	// OnProgress delivers each parsed percentage.
	OnProgress func(percent int)
}

// Extractor defines the behaviour required by the extraction processor.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir, password string, cb Callbacks) error
}

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onStart func(pid int), onLine func(string)) error
}

// Option configures the client.
type Option func(*CLI)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *CLI) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithParser overrides the output parser.
func WithParser(parser OutputParser) Option {
	return func(c *CLI) {
		if parser != nil {
			c.parser = parser
		}
	}
}

// CLI drives the 7-Zip binary.
type CLI struct {
	binary    string
	killGrace time.Duration
	exec      Executor
	parser    OutputParser
}

// New constructs a 7-Zip client. killGrace bounds how long a cancelled
// extraction may linger before the escalated kill; some 7-Zip builds ignore
// the first signal while holding file locks.
func New(binary string, killGrace time.Duration, opts ...Option) (*CLI, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("7z binary required")
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	cli := &CLI{
		binary:    binary,
		killGrace: killGrace,
		parser:    NewProgressParser(),
	}
	cli.exec = &commandExecutor{waitDelay: killGrace}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// Extract runs one extraction, streaming progress. Known fatal output
// (wrong password, CRC errors) cancels the subprocess proactively instead of
// waiting for its natural exit, and is returned as a classified error.
func (c *CLI) Extract(ctx context.Context, archivePath, destDir, password string, cb Callbacks) error {
	if strings.TrimSpace(archivePath) == "" {
		return errors.New("archive path required")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	args := []string{"x", archivePath, "-o" + destDir, "-y", "-bsp1", "-bse1"}
	if password != "" {
		args = append(args, "-p"+password)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var classified error
	tail := newTailBuffer(20)
	onLine := func(line string) {
		tail.Append(line)
		if failure := c.parser.ClassifyFailure(line); failure != nil {
			mu.Lock()
			if classified == nil {
				classified = failure
			}
			mu.Unlock()
			cancel()
			return
		}
		if cb.OnProgress != nil {
			if percent, ok := c.parser.Parse(line); ok {
				cb.OnProgress(percent)
			}
		}
	}

	err := c.exec.Run(runCtx, c.binary, args, cb.OnStart, onLine)

	mu.Lock()
	failure := classified
	mu.Unlock()
	if failure != nil {
		return failure
	}
	if err != nil {
		return fmt.Errorf("7z extract: %w; output: %s", err, tail.String())
	}
	return nil
}

type commandExecutor struct {
	waitDelay time.Duration
}

func (e *commandExecutor) Run(ctx context.Context, binary string, args []string, onStart func(pid int), onLine func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	// Two-phase cancellation: SIGTERM first, SIGKILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	if onStart != nil {
		onStart(cmd.Process.Pid)
	}

	scanner := bufio.NewScanner(io.Reader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	// 7z rewrites the progress line with \r; treat both as separators.
	scanner.Split(scanCRLines)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}

	return cmd.Wait()
}

func scanCRLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type tailBuffer struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Append(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.limit {
		b.lines = b.lines[len(b.lines)-b.limit:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, " | ")
}

var _ Extractor = (*CLI)(nil)
