// Package fakeworker is a stand-in for the worker script, used by tests.
//
// A test binary re-executes itself with EnvVar set, and its TestMain hands control to Main:
//
//	func TestMain(m *testing.M) {
//		if fakeworker.Enabled() {
//			os.Exit(fakeworker.Main())
//		}
//		os.Exit(m.Run())
//	}
package fakeworker

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/guseggert/driverlink/driver/protocol"
)

const (
	EnvVar  = "DRIVERLINK_FAKEWORKER"
	ModeVar = "DRIVERLINK_FAKEWORKER_MODE"

	Tag            = "TDriverVisualizerRubyInterface"
	BackendVersion = "9.9.9"
)

// Modes change how the worker misbehaves.
const (
	ModeNormal        = ""
	ModeBadHandshake  = "bad-handshake"
	ModeVersion0      = "version0"
	ModeVersion2      = "version2"
	ModeNoHello       = "no-hello"
	ModeNoOutput      = "no-output"
	ModePartialLine   = "partial-line"
	ModeIgnoreTerm    = "ignore-term"
	ModeTDriverError  = "tdriver-error"
	ModeExitAtStartup = "exit-at-startup"
)

// Request names the fake worker understands.
const (
	CmdEcho       = "echo"
	CmdEval       = "eval"
	CmdSlow       = "slow"
	CmdEmptyError = "empty-error"
	CmdLog        = "log"
	CmdCrash      = "crash"
	CmdQuit       = "quit"
)

func Enabled() bool {
	return os.Getenv(EnvVar) == "1"
}

// Command returns a command that runs the current binary as a fake worker in the given mode.
func Command(mode string) *exec.Cmd {
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), EnvVar+"=1", ModeVar+"="+mode)
	return cmd
}

// Main runs the fake worker and returns its exit code.
func Main() int {
	return run(os.Getenv(ModeVar), os.Stdout, os.Stderr)
}

func run(mode string, stdout, stderr io.Writer) int {
	switch mode {
	case ModeNoOutput:
		time.Sleep(time.Hour)
		return 0
	case ModeExitAtStartup:
		fmt.Fprintln(stderr, "giving up")
		return 2
	case ModeBadHandshake:
		fmt.Fprintln(stdout, "garbage line")
		time.Sleep(time.Hour)
		return 0
	case ModePartialLine:
		fmt.Fprint(stdout, Tag+" version 1")
		time.Sleep(time.Hour)
		return 0
	case ModeTDriverError:
		fmt.Fprintf(stdout, "%s version 1 port 1 tdriver error\n\n", Tag)
		fmt.Fprintln(stderr, "LoadError: tdriver GEM")
		return 1
	case ModeIgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(stderr, "listening: %s\n", err)
		return 1
	}
	port := l.Addr().(*net.TCPAddr).Port

	version := 1
	switch mode {
	case ModeVersion0:
		version = 0
	case ModeVersion2:
		version = 2
	}
	fmt.Fprintf(stdout, "%s version %d port %d tdriver %s\n", Tag, version, port, BackendVersion)
	fmt.Fprintln(stdout, "startup complete")

	conn, err := l.Accept()
	l.Close()
	if err != nil {
		fmt.Fprintf(stderr, "accept error: %s\n", err)
		return 1
	}
	defer conn.Close()

	if mode != ModeNoHello {
		hello := protocol.Message{"version": {"1"}, "tdriver": {BackendVersion}}
		if _, err := conn.Write(protocol.Encode(0, protocol.HelloName, hello)); err != nil {
			return 1
		}
	}

	var dec protocol.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return 0
		}
		dec.Feed(buf[:n])
		for {
			req, ok, err := dec.Next()
			if err != nil {
				fmt.Fprintf(stderr, "bad request: %s\n", err)
				return 1
			}
			if !ok {
				break
			}
			reply, code, exit := handle(req, stdout, stderr)
			if reply != nil {
				if _, err := conn.Write(protocol.Encode(req.SeqNum, req.Name, reply)); err != nil {
					return 1
				}
			}
			if exit {
				return code
			}
		}
	}
}

func handle(req protocol.Reply, stdout, stderr io.Writer) (protocol.Message, int, bool) {
	switch req.Name {
	case CmdEcho:
		return req.Message, 0, false
	case CmdEval:
		fmt.Fprintf(stdout, "\032\032START %d\032\n", req.SeqNum)
		fmt.Fprintf(stderr, "\032\032START %d\032\n", req.SeqNum)
		for _, line := range req.Message["stdout"] {
			fmt.Fprintln(stdout, line)
		}
		for _, line := range req.Message["stderr"] {
			fmt.Fprintln(stderr, line)
		}
		fmt.Fprintf(stderr, "\032\032END %d\032\n", req.SeqNum)
		fmt.Fprintf(stdout, "\032\032END %d\032\n", req.SeqNum)
		return protocol.Message{"result": {"ok"}}, 0, false
	case CmdSlow:
		ms := 0
		if v := req.Message["ms"]; len(v) > 0 {
			ms, _ = strconv.Atoi(v[0])
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return req.Message, 0, false
	case CmdEmptyError:
		return protocol.Message{"error": {}}, 0, false
	case CmdLog:
		for _, line := range req.Message["lines"] {
			fmt.Fprintln(stdout, line)
		}
		return protocol.Message{}, 0, false
	case CmdCrash:
		return nil, 3, true
	case CmdQuit:
		return protocol.Message{}, 0, true
	default:
		return protocol.Message{"error_message": {"invalid request"}}, 0, false
	}
}
