package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/miradorstack/mirador-ingest/internal/utils"
)

// AnalyticsProcess is the external analysis program a job streams data to.
// Data and control messages share the input; Output carries the results.
type AnalyticsProcess interface {
	// Input accepts data. Each Write is delivered whole, never interleaved
	// with a control message.
	Input() io.WriteCloser
	Output() io.Reader
	// Flush asks the process to emit every result so far followed by a
	// flush acknowledgement carrying id.
	Flush(ctx context.Context, id string) error
	// Wait blocks until the process exits.
	Wait() error
}

// FlushCommand renders the control message requesting a flush.
func FlushCommand(id string) string {
	return "f" + id + "\n"
}

// StreamProcess adapts a pair of streams to AnalyticsProcess.
type StreamProcess struct {
	input  *lockedWriter
	output io.Reader
	wait   func() error
}

// NewStreamProcess wraps in and out. wait may be nil.
func NewStreamProcess(in io.WriteCloser, out io.Reader, wait func() error) *StreamProcess {
	if wait == nil {
		wait = func() error { return nil }
	}
	return &StreamProcess{input: &lockedWriter{w: in}, output: out, wait: wait}
}

func (p *StreamProcess) Input() io.WriteCloser { return p.input }

func (p *StreamProcess) Output() io.Reader { return p.output }

func (p *StreamProcess) Flush(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(id, "\n\r") {
		return fmt.Errorf("flush id %q contains a line break", id)
	}
	if _, err := io.WriteString(p.input, FlushCommand(id)); err != nil {
		return fmt.Errorf("send flush %s: %w", id, err)
	}
	return nil
}

func (p *StreamProcess) Wait() error { return p.wait() }

// ErrInputClosed is returned for writes after the input was closed.
var ErrInputClosed = errors.New("process input closed")

type lockedWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (l *lockedWriter) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrInputClosed
	}
	return l.w.Write(b)
}

func (l *lockedWriter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.w.Close()
}

// Start launches command with args. The process is killed when ctx ends.
// Each line the process writes to stderr is logged.
func Start(ctx context.Context, command string, args []string, logger *slog.Logger) (*StreamProcess, error) {
	if command == "" {
		return nil, fmt.Errorf("start analytics process: no command configured")
	}
	logger = utils.OrDefault(logger)

	cmd := exec.CommandContext(ctx, command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("start analytics process: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("start analytics process: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("start analytics process: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start analytics process: %w", err)
	}
	logger.Info("analytics process started", slog.String("command", command), slog.Int("pid", cmd.Process.Pid))

	logged := make(chan struct{})
	go func() {
		defer close(logged)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Info("analytics process", slog.String("stderr", scanner.Text()))
		}
	}()

	wait := func() error {
		<-logged
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("analytics process: %w", err)
		}
		return nil
	}
	return NewStreamProcess(stdin, stdout, sync.OnceValue(wait)), nil
}
