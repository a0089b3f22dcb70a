package jobrunner

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// CreateLogPipe creates a named Unix FIFO under tmpDir for sub-logger
// name at level, registers it with mux, and returns its path. An in-process
// "hit logpipe" command prints that path to the runner process's own
// stdout; cmd_to_var runs its argv as a subprocess, so it cannot capture
// the path into a variable.
// The FIFO is opened non-blocking for read; the first writer's open()
// will then complete the handshake.
func CreateLogPipe(tmpDir, name string, level logrus.Level, mux *Multiplexer) (string, error) {
	path := filepath.Join(tmpDir, "logpipe-"+uuid.NewString())
	if err := unix.Mkfifo(path, 0600); err != nil {
		return "", errors.Wrapf(err, "creating log fifo %s", path)
	}

	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return "", errors.Wrapf(err, "opening log fifo %s for read", path)
	}
	mux.AddStream(name, level, f)
	return path, nil
}

// ParseLevel maps the job-spec's LEVEL token (e.g. "WARNING") to a logrus
// level, defaulting to Info for unrecognized tokens.
func ParseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
