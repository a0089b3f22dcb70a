package jobrunner

import (
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// pollTimeoutMillis is the poll() quantum. A timeout is required because
// child-termination notifications cannot reliably interrupt the wait.
const pollTimeoutMillis = 50

// stream is one multiplexed file descriptor: a subprocess's stdout/stderr
// or a log-pipe FIFO, each with its own line buffer and destination
// sub-logger/level.
type stream struct {
	name   string
	level  logrus.Level
	file   *os.File
	buf    bytes.Buffer
	closed bool
}

// Multiplexer polls a set of streams with a coarse timeout and emits
// complete lines to the logger as they arrive, flushing any trailing
// partial line on EOF. Mirrors hashdist's run_job.py select.poll() loop.
//
// Streams may be registered after Run has already started (a "hit
// logpipe" command creates its FIFO partway through a job), so Run does
// not exit merely because no stream is currently registered; it exits
// once Stop has been called and every registered stream has reached EOF.
type Multiplexer struct {
	logger *logrus.Entry

	mu      sync.Mutex
	streams []*stream
	stopped bool
}

// NewMultiplexer constructs an empty Multiplexer logging through logger.
func NewMultiplexer(logger *logrus.Entry) *Multiplexer {
	return &Multiplexer{logger: logger}
}

// AddStream registers f (a pipe read-end or FIFO) under sub-logger name at
// level.
func (m *Multiplexer) AddStream(name string, level logrus.Level, f *os.File) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, &stream{name: name, level: level, file: f})
}

// Stop tells Run to return once every currently registered stream has
// reached EOF. Streams added before Stop takes effect are still drained.
func (m *Multiplexer) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *Multiplexer) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Run polls all registered streams, emitting complete lines as they
// appear and the final partial line (if any) when a stream closes. It
// returns once Stop has been called and no registered stream remains
// open, waiting out the poll quantum in between while idle.
func (m *Multiplexer) Run() error {
	for {
		open := m.openStreams()
		if len(open) == 0 {
			if m.isStopped() {
				return nil
			}
			time.Sleep(pollTimeoutMillis * time.Millisecond)
			continue
		}

		fds := make([]unix.PollFd, len(open))
		for i, s := range open {
			fds[i] = unix.PollFd{Fd: int32(s.file.Fd()), Events: unix.POLLIN}
		}

		n, err := unix.Poll(fds, pollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrap(err, "polling job output streams")
		}
		if n == 0 {
			continue // timeout quantum elapsed, nothing ready
		}

		for i, fd := range fds {
			if fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
				continue
			}
			m.readAvailable(open[i])
		}
	}
}

func (m *Multiplexer) openStreams() []*stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*stream
	for _, s := range m.streams {
		if !s.closed {
			out = append(out, s)
		}
	}
	return out
}

func (m *Multiplexer) readAvailable(s *stream) {
	buf := make([]byte, 4096)
	n, err := s.file.Read(buf)
	if n > 0 {
		s.buf.Write(buf[:n])
		m.emitLines(s, false)
	}
	if err != nil {
		s.closed = true
		m.emitLines(s, true)
		s.file.Close()
	}
}

// emitLines writes complete newline-terminated lines from s.buf to the
// logger. When flush is true (the stream has hit EOF), any remaining
// partial line is emitted too.
func (m *Multiplexer) emitLines(s *stream, flush bool) {
	for {
		b := s.buf.Bytes()
		idx := bytes.IndexByte(b, '\n')
		if idx < 0 {
			if flush && len(b) > 0 {
				m.emit(s, string(b))
				s.buf.Reset()
			}
			return
		}
		line := string(b[:idx])
		m.emit(s, line)
		s.buf.Next(idx + 1)
	}
}

func (m *Multiplexer) emit(s *stream, line string) {
	entry := m.logger
	if s.name != "" {
		entry = entry.WithField("logger", s.name)
	}
	entry.Log(s.level, line)
}
