package supervisor

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config describes how to launch the worker and how long each startup stage may take.
type Config struct {
	Interpreter string
	Script      string
	// Tag is the expected first token of the handshake line.
	Tag string
	// Env is appended to the supervisor's own environment.
	Env []string
	// RequiredEnv entries are added unless the environment already has exactly that value.
	RequiredEnv []string

	ReadyTimeout     time.Duration
	LineTimeout      time.Duration
	ConnectTimeout   time.Duration
	TerminateTimeout time.Duration
	KillTimeout      time.Duration
	DrainTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interpreter:      "ruby",
		Tag:              HandshakeTag,
		RequiredEnv:      []string{"RUBYOPT=rubygems"},
		ReadyTimeout:     40 * time.Second,
		LineTimeout:      5 * time.Second,
		ConnectTimeout:   30 * time.Second,
		TerminateTimeout: 5 * time.Second,
		KillTimeout:      5 * time.Second,
		DrainTimeout:     time.Second,
	}
}

// CommandFactory builds the command that runs the worker.
type CommandFactory func(cfg Config) *exec.Cmd

// Environ returns base with the required settings and extra entries appended.
func Environ(base, required, extra []string) []string {
	env := append([]string(nil), base...)
	for _, req := range required {
		key, val, _ := strings.Cut(req, "=")
		if cur, ok := lookup(base, key); !ok || cur != val {
			env = append(env, req)
		}
	}
	return append(env, extra...)
}

func lookup(env []string, key string) (string, bool) {
	val, found := "", false
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			val, found = v, true
		}
	}
	return val, found
}

func defaultCommand(cfg Config) *exec.Cmd {
	cmd := exec.Command(cfg.Interpreter, cfg.Script)
	cmd.Env = Environ(os.Environ(), cfg.RequiredEnv, cfg.Env)
	return cmd
}

// Supervisor starts, connects to and terminates worker processes.
// It keeps no per-worker state, the caller owns each Worker.
type Supervisor struct {
	cfg        Config
	log        *zap.SugaredLogger
	cmdFactory CommandFactory
	fatal      func(error)
}

type Option func(s *Supervisor)

func WithCommandFactory(f CommandFactory) Option {
	return func(s *Supervisor) {
		s.cmdFactory = f
	}
}

// WithFatalHandler sets what happens when a worker survives both terminate and kill.
// The default logs the error and exits the process.
func WithFatalHandler(f func(error)) Option {
	return func(s *Supervisor) {
		s.fatal = f
	}
}

func New(cfg Config, log *zap.SugaredLogger, opts ...Option) *Supervisor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Tag == "" {
		cfg.Tag = HandshakeTag
	}
	s := &Supervisor{
		cfg:        cfg,
		log:        log.Named("supervisor"),
		cmdFactory: defaultCommand,
	}
	s.fatal = func(err error) {
		s.log.Fatalw("unrecoverable worker state", "Error", err)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Config() Config {
	return s.cfg
}

// Start spawns a worker and reads its handshake line.
// On failure no worker process is left running.
func (s *Supervisor) Start() (*Worker, *Error) {
	if _, err := os.Stat(s.cfg.Script); err != nil {
		return nil, newError("", "Could not find Visualizer listener server file '%s'", s.cfg.Script)
	}

	cmd := s.cmdFactory(s.cfg)
	s.log.Debugw("starting worker", "Path", cmd.Path, "Args", cmd.Args)
	w, err := startWorker(cmd)
	if err != nil {
		s.log.Debugf("start error: %s", err)
		return nil, newError(err.Error(), "Could not start script '%s'", s.cfg.Script)
	}
	log := s.log.With("Worker", w.ID, "PID", w.Pid())
	log.Debug("worker started")

	line, serr := s.readLine(w)
	if serr != nil {
		s.Terminate(w)
		if serr.Extra == "" {
			serr.Extra = string(w.ReadStderr())
		}
		s.Release(w)
		return nil, serr
	}

	hs, serr := ParseHandshake(s.cfg.Tag, line, s.moreOutput(w))
	if serr != nil {
		s.abort(w)
		return nil, serr
	}
	if hs.BackendVersion == "error" {
		// the worker reports load failures after the handshake line, then exits
		s.Terminate(w)
		serr = newError(s.moreOutput(w), "Worker could not load TDriver")
		s.Release(w)
		return nil, serr
	}
	w.Handshake = hs
	log.Debugw("handshake", "Version", hs.Version, "Port", hs.Port, "BackendVersion", hs.BackendVersion)
	return w, nil
}

func (s *Supervisor) abort(w *Worker) {
	s.Terminate(w)
	s.Release(w)
}

// readLine waits for the first complete stdout line. Any bytes after it stay with the worker.
func (s *Supervisor) readLine(w *Worker) ([]byte, *Error) {
	readyTimer := time.NewTimer(s.cfg.ReadyTimeout)
	defer readyTimer.Stop()

	var buf []byte
	eof := false
	for len(buf) == 0 && !eof {
		select {
		case <-w.stdout.ready:
			var b []byte
			b, eof = w.stdout.take()
			buf = append(buf, b...)
		case <-readyTimer.C:
			return nil, newError("", "Could not read startup parameters.")
		}
	}
	if len(buf) == 0 {
		return nil, newError("", "Could not read startup parameters.")
	}

	lineTimer := time.NewTimer(s.cfg.LineTimeout)
	defer lineTimer.Stop()
	for bytes.IndexByte(buf, '\n') < 0 {
		if eof {
			return nil, newError(string(buf), "Could not read full line of startup parameters.")
		}
		select {
		case <-w.stdout.ready:
			var b []byte
			b, eof = w.stdout.take()
			buf = append(buf, b...)
		case <-lineTimer.C:
			return nil, newError(string(buf), "Could not read full line of startup parameters.")
		}
	}

	i := bytes.IndexByte(buf, '\n')
	if rest := buf[i+1:]; len(rest) > 0 {
		w.leftover = append([]byte(nil), rest...)
	}
	return buf[:i], nil
}

func (s *Supervisor) moreOutput(w *Worker) string {
	return "More output:\n" + string(w.ReadStdout()) + string(w.ReadStderr())
}

// Connect opens the TCP connection to the port the worker announced.
func (s *Supervisor) Connect(w *Worker) (net.Conn, *Error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(w.Handshake.Port))
	s.log.Debugw("connecting", "Worker", w.ID, "Addr", addr)
	conn, err := net.DialTimeout("tcp", addr, s.cfg.ConnectTimeout)
	if err != nil {
		return nil, newError(err.Error(), "Failed to connect to worker process via TCP/IP!")
	}
	return conn, nil
}

// Terminate stops the worker: terminate, then kill, each with a bounded wait.
// A worker that survives both is unrecoverable and goes to the fatal handler.
// Output the worker wrote before exiting stays readable.
func (s *Supervisor) Terminate(w *Worker) {
	defer func() {
		if w.stdout != nil {
			w.drain(s.cfg.DrainTimeout)
		}
	}()

	log := s.log.With("Worker", w.ID, "PID", w.Pid())
	if !w.Running() {
		log.Debugw("worker already exited", "ExitCode", w.ExitCode(), "ExitStatus", w.ExitStatus())
		return
	}

	if err := w.proc.Terminate(); err != nil {
		log.Debugf("terminate error: %s", err)
	}
	if waitExit(w, s.cfg.TerminateTimeout) {
		log.Debugw("worker terminated", "ExitCode", w.ExitCode(), "ExitStatus", w.ExitStatus())
		return
	}

	log.Warnw("worker ignored terminate, killing", "Timeout", s.cfg.TerminateTimeout)
	if err := w.proc.Kill(); err != nil {
		log.Debugf("kill error: %s", err)
	}
	if waitExit(w, s.cfg.KillTimeout) {
		log.Debugw("worker killed", "ExitCode", w.ExitCode(), "ExitStatus", w.ExitStatus())
		return
	}

	s.fatal(fmt.Errorf("failed to kill worker process %d", w.Pid()))
}

// Release frees the resources of an exited worker.
func (s *Supervisor) Release(w *Worker) {
	if w.stdout != nil {
		w.close()
	}
}

func waitExit(w *Worker, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.Exited():
		return true
	case <-t.C:
		return false
	}
}
