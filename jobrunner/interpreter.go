package jobrunner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hashdist/hit/buildspec"
	"github.com/hashdist/hit/internal/herrors"
)

// Dispatcher runs the bundled in-process CLI's non-logpipe subcommands
// (build-unpack-sources, build-write-files, create-links,
// build-postprocess, ...) against the runner's current environment/cwd.
type Dispatcher interface {
	Dispatch(argv []string, env map[string]string, cwd string, stdout *bytes.Buffer) error
}

// Runner executes a job spec's commands against a mutable environment.
type Runner struct {
	Env        Env
	Cwd        string
	TmpDir     string
	Logger     *logrus.Entry
	Mux        *Multiplexer
	Dispatcher Dispatcher

	muxErr chan error
}

// NewRunner constructs a Runner rooted at cwd with the given initial
// environment, a fresh per-job scratch directory under tmpRoot, and a
// multiplexer logging through logger. The multiplexer starts polling
// immediately in the background so that a log pipe created by a "hit
// logpipe" command partway through the job is drained as soon as it
// exists; callers must call Close once Run has returned to stop it and
// collect any multiplexing error.
func NewRunner(env Env, cwd, tmpRoot string, logger *logrus.Entry, dispatcher Dispatcher) (*Runner, error) {
	tmpDir := filepath.Join(tmpRoot, "job-"+uuid.NewString())
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating job scratch dir %s", tmpDir)
	}
	r := &Runner{
		Env:        env.Clone(),
		Cwd:        cwd,
		TmpDir:     tmpDir,
		Logger:     logger,
		Mux:        NewMultiplexer(logger),
		Dispatcher: dispatcher,
		muxErr:     make(chan error, 1),
	}
	go func() { r.muxErr <- r.Mux.Run() }()
	return r, nil
}

// Run executes commands in sequence against the runner's current scope.
func (r *Runner) Run(commands []buildspec.Command) error {
	for _, c := range commands {
		if err := r.runOne(c); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the runner's log-pipe multiplexer, waits for it to drain
// every still-open pipe, and returns any error it encountered.
func (r *Runner) Close() error {
	r.Mux.Stop()
	return <-r.muxErr
}

func (r *Runner) runOne(c buildspec.Command) error {
	inputEnv, cleanup, err := r.materializeInputs(c.Inputs)
	if err != nil {
		return err
	}
	defer cleanup()

	switch c.Verb {
	case buildspec.VerbSet:
		v, err := Substitute(c.Value, r.mergedEnv(inputEnv))
		if err != nil {
			return err
		}
		r.Env[c.Key] = v
	case buildspec.VerbAppendFlag:
		v, err := Substitute(c.Value, r.mergedEnv(inputEnv))
		if err != nil {
			return err
		}
		r.Env[c.Key] = appendFlagVar(r.Env[c.Key], v)
	case buildspec.VerbPrependFlag:
		v, err := Substitute(c.Value, r.mergedEnv(inputEnv))
		if err != nil {
			return err
		}
		r.Env[c.Key] = appendFlagVar(v, r.Env[c.Key])
	case buildspec.VerbAppendPath:
		v, err := Substitute(c.Value, r.mergedEnv(inputEnv))
		if err != nil {
			return err
		}
		r.Env[c.Key] = appendPathVar(r.Env[c.Key], v)
	case buildspec.VerbPrependPath:
		v, err := Substitute(c.Value, r.mergedEnv(inputEnv))
		if err != nil {
			return err
		}
		r.Env[c.Key] = prependPathVar(r.Env[c.Key], v)
	case buildspec.VerbChdir:
		d, err := Substitute(c.Dir, r.mergedEnv(inputEnv))
		if err != nil {
			return err
		}
		r.Cwd = filepath.Join(r.Cwd, d)
	case buildspec.VerbCmd:
		argv, err := SubstituteAll(c.Argv, r.mergedEnv(inputEnv))
		if err != nil {
			return err
		}
		return r.runSubprocess(argv, nil, "")
	case buildspec.VerbCmdToVar:
		argv, err := SubstituteAll(c.Argv, r.mergedEnv(inputEnv))
		if err != nil {
			return err
		}
		var out bytes.Buffer
		if err := r.runSubprocess(argv, &out, ""); err != nil {
			return err
		}
		r.Env[c.Var] = strings.TrimSpace(out.String())
	case buildspec.VerbCmdToFile:
		argv, err := SubstituteAll(c.Argv, r.mergedEnv(inputEnv))
		if err != nil {
			return err
		}
		file, err := Substitute(c.File, r.mergedEnv(inputEnv))
		if err != nil {
			return err
		}
		return r.runSubprocess(argv, nil, file)
	case buildspec.VerbHit:
		argv, err := SubstituteAll(c.Argv, r.mergedEnv(inputEnv))
		if err != nil {
			return err
		}
		return r.runHit(argv)
	case buildspec.VerbSubScope:
		saved := r.Env
		savedCwd := r.Cwd
		r.Env = r.Env.Clone()
		err := r.Run(c.Commands)
		r.Env = saved
		r.Cwd = savedCwd
		return err
	default:
		return fmt.Errorf("unknown command verb %q", c.Verb)
	}
	return nil
}

func (r *Runner) mergedEnv(extra Env) Env {
	if len(extra) == 0 {
		return r.Env
	}
	merged := r.Env.Clone()
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func (r *Runner) runHit(argv []string) error {
	if len(argv) > 0 && argv[0] == "logpipe" {
		if len(argv) != 3 {
			return fmt.Errorf("hit logpipe requires NAME and LEVEL, got %v", argv[1:])
		}
		path, err := CreateLogPipe(r.TmpDir, argv[1], ParseLevel(argv[2]), r.Mux)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, path)
		return nil
	}
	if r.Dispatcher == nil {
		return fmt.Errorf("no in-process CLI dispatcher configured for hit %v", argv)
	}
	var out bytes.Buffer
	if err := r.Dispatcher.Dispatch(argv, r.Env, r.Cwd, &out); err != nil {
		return errors.Wrapf(err, "hit %v", argv)
	}
	return nil
}

// runSubprocess spawns argv with the runner's current env/cwd, stdin
// closed, and stdout/stderr multiplexed into the logger unless captured
// into stdoutCapture or appended to toFile.
func (r *Runner) runSubprocess(argv []string, stdoutCapture *bytes.Buffer, toFile string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty argv in cmd")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.Cwd
	cmd.Env = r.Env.AsSlice()

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "creating stdin pipe")
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		return &herrors.BuildFailedError{BuildDir: r.Cwd, Command: argv, Err: err}
	}
	stdinPipe.Close()
	stdoutW.Close()
	stderrW.Close()

	mux := NewMultiplexer(r.Logger)
	captureDone := make(chan struct{})
	switch {
	case stdoutCapture != nil:
		go func() { captureInto(stdoutR, stdoutCapture); close(captureDone) }()
	case toFile != "":
		go func() { captureToFile(stdoutR, toFile); close(captureDone) }()
	default:
		close(captureDone)
		mux.AddStream("stdout", logrus.InfoLevel, stdoutR)
	}
	mux.AddStream("stderr", logrus.WarnLevel, stderrR)

	muxErr := mux.Run()
	<-captureDone
	waitErr := cmd.Wait()

	if muxErr != nil {
		r.Logger.WithError(muxErr).Warn("error multiplexing subprocess output")
	}

	if waitErr != nil {
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return &herrors.BuildFailedError{BuildDir: r.Cwd, ExitCode: exitCode, Command: argv, Err: waitErr}
	}
	return nil
}

func captureInto(r *os.File, buf *bytes.Buffer) {
	b := make([]byte, 4096)
	for {
		n, err := r.Read(b)
		if n > 0 {
			buf.Write(b[:n])
		}
		if err != nil {
			return
		}
	}
}

func captureToFile(r *os.File, path string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	b := make([]byte, 4096)
	for {
		n, err := r.Read(b)
		if n > 0 {
			f.Write(b[:n])
		}
		if err != nil {
			return
		}
	}
}

// materializeInputs writes each entry of inputs into the runner's tmp dir
// and returns an Env exposing them as $in0, $in1, ... scoped to a single
// command.
func (r *Runner) materializeInputs(inputs []buildspec.InputFile) (Env, func(), error) {
	if len(inputs) == 0 {
		return nil, func() {}, nil
	}
	env := Env{}
	var paths []string
	for i, in := range inputs {
		path := filepath.Join(r.TmpDir, fmt.Sprintf("in%d-%s", i, uuid.NewString()))
		var content []byte
		switch in.Kind() {
		case "text":
			content = []byte(strings.Join(in.Text, "\n"))
		case "json":
			b, err := json.Marshal(in.JSON)
			if err != nil {
				return nil, func() {}, errors.Wrap(err, "marshaling json input")
			}
			content = b
		default:
			content = []byte(in.String)
		}
		if err := os.WriteFile(path, content, 0644); err != nil {
			return nil, func() {}, errors.Wrapf(err, "writing input %d", i)
		}
		env[fmt.Sprintf("in%d", i)] = path
		paths = append(paths, path)
	}
	cleanup := func() {
		for _, p := range paths {
			os.Remove(p)
		}
	}
	return env, cleanup, nil
}
