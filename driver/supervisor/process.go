package supervisor

import (
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// outputPipe collects everything the worker writes to one of its output streams.
// The collecting goroutine never blocks on the consumer, so an unread stream can't stall the worker.
type outputPipe struct {
	r     io.ReadCloser
	ready chan struct{}

	mu  sync.Mutex
	buf []byte
	eof bool
}

func newOutputPipe(r io.ReadCloser) *outputPipe {
	return &outputPipe{r: r, ready: make(chan struct{}, 1)}
}

func (p *outputPipe) run() {
	b := make([]byte, 32*1024)
	for {
		n, err := p.r.Read(b)
		p.mu.Lock()
		p.buf = append(p.buf, b[:n]...)
		if err != nil {
			p.eof = true
		}
		p.mu.Unlock()
		p.notify()
		if err != nil {
			return
		}
	}
}

func (p *outputPipe) notify() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// take returns and clears the collected bytes.
func (p *outputPipe) take() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.buf
	p.buf = nil
	return b, p.eof
}

// process is the part of an OS process the supervisor signals and waits on.
type process interface {
	Pid() int
	Terminate() error
	Kill() error
	Exited() <-chan struct{}
}

type execProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

// Terminate asks the process to exit. Windows has no SIGTERM, so it is killed there.
func (p *execProcess) Terminate() error {
	if runtime.GOOS == "windows" {
		return p.cmd.Process.Kill()
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Exited() <-chan struct{} { return p.exited }

// Worker is a running worker process. It is owned by a single goroutine.
type Worker struct {
	ID        uuid.UUID
	Handshake Handshake

	proc   process
	cmd    *exec.Cmd
	stdout *outputPipe
	stderr *outputPipe

	// stdout bytes read during the handshake after the first line
	leftover []byte
}

// StdoutReady and StderrReady fire when new output has been collected or the stream ended.
func (w *Worker) StdoutReady() <-chan struct{} { return w.stdout.ready }
func (w *Worker) StderrReady() <-chan struct{} { return w.stderr.ready }

// ReadStdout returns all stdout collected since the last call, including bytes left over from the handshake.
func (w *Worker) ReadStdout() []byte {
	b, _ := w.stdout.take()
	if w.leftover != nil {
		b = append(w.leftover, b...)
		w.leftover = nil
	}
	return b
}

// ReadStderr returns all stderr collected since the last call.
func (w *Worker) ReadStderr() []byte {
	b, _ := w.stderr.take()
	return b
}

// Exited is closed once the process has exited and its exit status is known.
func (w *Worker) Exited() <-chan struct{} {
	return w.proc.Exited()
}

func (w *Worker) Running() bool {
	select {
	case <-w.proc.Exited():
		return false
	default:
		return true
	}
}

func (w *Worker) Pid() int {
	return w.proc.Pid()
}

// ExitCode is -1 while running or if the process was killed by a signal.
func (w *Worker) ExitCode() int {
	if w.Running() || w.cmd == nil || w.cmd.ProcessState == nil {
		return -1
	}
	return w.cmd.ProcessState.ExitCode()
}

// ExitStatus is "running", "normal" or "crashed".
func (w *Worker) ExitStatus() string {
	if w.Running() {
		return "running"
	}
	if w.ExitCode() == -1 {
		return "crashed"
	}
	return "normal"
}

// drain waits up to d for both output streams to reach EOF.
func (w *Worker) drain(d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for _, p := range []*outputPipe{w.stdout, w.stderr} {
		for {
			p.mu.Lock()
			eof := p.eof
			p.mu.Unlock()
			if eof {
				break
			}
			select {
			case <-p.ready:
			case <-deadline.C:
				return
			}
		}
	}
}

// close releases the read ends of the output pipes.
func (w *Worker) close() {
	w.stdout.r.Close()
	w.stderr.r.Close()
}

func startWorker(cmd *exec.Cmd) (*Worker, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// the child holds its own copies of the write ends
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, err
	}

	proc := &execProcess{cmd: cmd, exited: make(chan struct{})}
	w := &Worker{
		ID:     uuid.New(),
		proc:   proc,
		cmd:    cmd,
		stdout: newOutputPipe(stdoutR),
		stderr: newOutputPipe(stderrR),
	}
	go w.stdout.run()
	go w.stderr.run()
	go func() {
		// the pipes are *os.File, so Wait doesn't wait on output copying
		_ = cmd.Wait()
		close(proc.exited)
	}()
	return w, nil
}
