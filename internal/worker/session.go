package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	errWorkerExited = errors.New("worker exited")
	errTimeout      = errors.New("request timed out")
)

// session owns one live Conn and the goroutine reading from it.
type session struct {
	conn       Conn
	msgs       chan *Message
	done       chan struct{}
	readerDone chan struct{}
	readErr    error
}

func newSession(conn Conn) *session {
	s := &session{
		conn:       conn,
		msgs:       make(chan *Message),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.read()
	return s
}

func (s *session) read() {
	defer close(s.readerDone)
	for {
		m, err := s.conn.Recv()
		if err != nil {
			s.readErr = err
			return
		}
		select {
		case s.msgs <- m:
		case <-s.done:
			return
		}
	}
}

// await waits for a message accepted by match. Cancelling ctx shortens the
// remaining wait to grace; after that ctx's error is returned.
func (s *session) await(ctx context.Context, timeout, grace time.Duration, match func(*Message) bool) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	cancelled := ctx.Done()
	graced := false
	for {
		select {
		case m := <-s.msgs:
			if match(m) {
				return m, nil
			}
		case <-s.readerDone:
			return nil, fmt.Errorf("%w: %v", errWorkerExited, s.readErr)
		case <-cancelled:
			cancelled = nil
			graced = true
			timer.Reset(grace)
		case <-timer.C:
			if graced {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w after %s", errTimeout, timeout)
		}
	}
}

// stop shuts the worker down. A graceful stop closes its input and waits up
// to grace for it to exit before killing it.
func (s *session) stop(graceful bool, grace time.Duration) {
	close(s.done)
	if graceful {
		s.conn.CloseInput()
		select {
		case <-s.readerDone:
		case <-time.After(grace):
			s.conn.Kill()
		}
	} else {
		s.conn.Kill()
	}
	<-s.readerDone
	s.conn.Wait()
}
