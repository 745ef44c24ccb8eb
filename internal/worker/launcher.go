package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	serrors "github.com/jward/symcache/internal/errors"
)

// Conn is the coordinator's end of one worker.
type Conn interface {
	Send(*Message) error
	Recv() (*Message, error)
	// CloseInput signals the worker to exit once it has answered.
	CloseInput() error
	// Kill stops the worker immediately.
	Kill() error
	// Wait blocks until the worker has exited. Call it only after Recv
	// has returned an error or the connection has been abandoned.
	Wait() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context) (Conn, error)
}

// ProcessLauncher starts each worker as a child process, normally the
// running binary with the hidden worker subcommand.
type ProcessLauncher struct {
	Path   string
	Args   []string
	Env    []string
	Logger *slog.Logger
}

// SelfLauncher re-executes the current binary as a worker.
func SelfLauncher(logger *slog.Logger, args ...string) (*ProcessLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ProcessLauncher{Path: exe, Args: args, Logger: logger}, nil
}

// Launch implements Launcher. Start failures are reported as
// ResourceExhausted: the usual causes are process or descriptor limits.
func (l *ProcessLauncher) Launch(_ context.Context) (Conn, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, serrors.New(serrors.KindResourceExhausted, "launch worker", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, serrors.New(serrors.KindResourceExhausted, "launch worker", err)
	}
	lw := &logWriter{logger: logger}
	cmd.Stderr = lw
	if err := cmd.Start(); err != nil {
		return nil, serrors.New(serrors.KindResourceExhausted, "launch worker", err)
	}
	lw.mu.Lock()
	lw.pid = cmd.Process.Pid
	lw.mu.Unlock()
	return &procConn{
		cmd:   cmd,
		stdin: stdin,
		enc:   json.NewEncoder(stdin),
		dec:   json.NewDecoder(stdout),
	}, nil
}

type procConn struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *json.Encoder
	dec   *json.Decoder

	waitOnce sync.Once
	waitErr  error
}

func (c *procConn) Send(m *Message) error { return c.enc.Encode(m) }

func (c *procConn) Recv() (*Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *procConn) CloseInput() error { return c.stdin.Close() }

func (c *procConn) Kill() error {
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (c *procConn) Wait() error {
	c.waitOnce.Do(func() { c.waitErr = c.cmd.Wait() })
	return c.waitErr
}

// logWriter forwards a worker's stderr to the logger line by line.
type logWriter struct {
	logger *slog.Logger
	pid    int
	mu     sync.Mutex
	buf    []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:i]); len(line) > 0 {
			w.logger.Info("worker", slog.Int("pid", w.pid), slog.String("line", string(line)))
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// PipeLauncher runs workers as goroutines connected by in-memory pipes.
// They speak the same protocol as process workers but share the
// coordinator's address space, so a parser crash is not contained.
type PipeLauncher struct {
	NewParser ParserFactory
}

// Launch implements Launcher.
func (l *PipeLauncher) Launch(ctx context.Context) (Conn, error) {
	reqR, reqW := io.Pipe()
	resR, resW := io.Pipe()
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &pipeConn{
		reqW:   reqW,
		resR:   resR,
		enc:    json.NewEncoder(reqW),
		dec:    json.NewDecoder(resR),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		c.err = Serve(ctx, reqR, resW, l.NewParser)
		reqR.Close()
		resW.Close()
	}()
	return c, nil
}

var errKilled = errors.New("worker killed")

type pipeConn struct {
	reqW   *io.PipeWriter
	resR   *io.PipeReader
	enc    *json.Encoder
	dec    *json.Decoder
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (c *pipeConn) Send(m *Message) error { return c.enc.Encode(m) }

func (c *pipeConn) Recv() (*Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *pipeConn) CloseInput() error { return c.reqW.Close() }

func (c *pipeConn) Kill() error {
	c.cancel()
	c.reqW.CloseWithError(errKilled)
	c.resR.CloseWithError(errKilled)
	return nil
}

func (c *pipeConn) Wait() error {
	<-c.done
	c.cancel()
	if errors.Is(c.err, errKilled) || errors.Is(c.err, io.ErrClosedPipe) {
		return nil
	}
	return c.err
}
