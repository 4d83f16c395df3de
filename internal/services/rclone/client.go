// Package rclone wraps the rclone command line tool for release transfers.
package rclone

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

// ProgressUpdate captures one parsed rclone stats line.
type ProgressUpdate struct {
	Percent int
	Speed   string
	ETA     string
}

// CopyRequest describes one transfer.
type CopyRequest struct {
	// RemotePath is the release directory relative to the source root.
	RemotePath string
	// Dest is the local destination directory.
	Dest string
	// Mirror names an rclone connection profile to read from. Empty means
	// the public HTTP source at BaseAddress.
	Mirror string
	// BaseAddress is the public source root, used when Mirror is empty.
	BaseAddress string
	// DownloadLimitKiB caps the receive rate. Zero means unlimited.
	DownloadLimitKiB int
	// UploadLimitKiB caps the send rate. Zero means unlimited.
	UploadLimitKiB int
}

// Callbacks receive transfer events as output is parsed.
type Callbacks struct {
	// OnStart delivers the subprocess pid once after spawn.
	OnStart func(pid int)
	// OnProgress delivers each parsed stats update.
	OnProgress func(ProgressUpdate)
	// OnAuthFailure delivers the offending line when the remote rejects
	// credentials.
	OnAuthFailure func(line string)
}

// Transfer defines the behaviour required by the download processor.
type Transfer interface {
	Copy(ctx context.Context, req CopyRequest, cb Callbacks) error
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

// WithParser overrides the output parser, for tool versions whose stats
// format differs.
func WithParser(parser OutputParser) Option {
	return func(c *CLI) {
		if parser != nil {
			c.parser = parser
		}
	}
}

// CLI drives the rclone binary.
type CLI struct {
	binary string
	exec   Executor
	parser OutputParser
}

// New constructs an rclone client.
func New(binary string, opts ...Option) (*CLI, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("rclone binary required")
	}
	cli := &CLI{
		binary: binary,
		exec:   commandExecutor{},
		parser: NewStatsParser(),
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// Copy runs one rclone copy invocation, parsing progress as it streams.
// A non-zero exit returns an error carrying a bounded excerpt of the output.
func (c *CLI) Copy(ctx context.Context, req CopyRequest, cb Callbacks) error {
	if strings.TrimSpace(req.Dest) == "" {
		return errors.New("destination directory required")
	}
	if err := os.MkdirAll(req.Dest, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	args, err := buildArgs(req)
	if err != nil {
		return err
	}

	tail := newTailBuffer(20)
	onLine := func(line string) {
		tail.Append(line)
		if cb.OnAuthFailure != nil && c.parser.AuthFailure(line) {
			cb.OnAuthFailure(line)
			return
		}
		if cb.OnProgress != nil {
			if update, ok := c.parser.Parse(line); ok {
				cb.OnProgress(update)
			}
		}
	}

	if err := c.exec.Run(ctx, c.binary, args, cb.OnStart, onLine); err != nil {
		return fmt.Errorf("rclone copy: %w; output: %s", err, tail.String())
	}
	return nil
}

func buildArgs(req CopyRequest) ([]string, error) {
	remotePath := strings.Trim(strings.TrimSpace(req.RemotePath), "/")
	args := []string{"copy"}
	switch {
	case req.Mirror != "":
		args = append(args, fmt.Sprintf("%s:%s", req.Mirror, remotePath))
	case req.BaseAddress != "":
		args = append(args, fmt.Sprintf(":http:/%s", remotePath), "--http-url", req.BaseAddress)
	default:
		return nil, errors.New("no transfer source configured")
	}
	args = append(args, req.Dest, "--progress", "--stats", "1s", "--stats-one-line")
	if limit := bwlimitValue(req.UploadLimitKiB, req.DownloadLimitKiB); limit != "" {
		args = append(args, "--bwlimit", limit)
	}
	return args, nil
}

// bwlimitValue renders rclone's up:down bandwidth syntax. An uncapped side is
// spelled "off"; both sides uncapped means no flag at all.
func bwlimitValue(upKiB, downKiB int) string {
	if upKiB <= 0 && downKiB <= 0 {
		return ""
	}
	side := func(kib int) string {
		if kib <= 0 {
			return "off"
		}
		return fmt.Sprintf("%dK", kib)
	}
	return side(upKiB) + ":" + side(downKiB)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onStart func(pid int), onLine func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	if onStart != nil {
		onStart(cmd.Process.Pid)
	}

	var wg sync.WaitGroup
	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
	}
	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	return cmd.Wait()
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

var _ Transfer = (*CLI)(nil)
