package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/driverlink/driver"
	"github.com/guseggert/driverlink/driver/protocol"
	"github.com/guseggert/driverlink/driver/supervisor"
	"github.com/guseggert/driverlink/internal/fakeworker"
	inet "github.com/guseggert/driverlink/internal/net"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	if fakeworker.Enabled() {
		os.Exit(fakeworker.Main())
	}
	os.Exit(m.Run())
}

type fakeDriver struct {
	m sync.Mutex

	online      bool
	state       driver.State
	lastErr     *supervisor.Error
	closes      int
	execName    string
	execMsg     protocol.Message
	execTimeout time.Duration
	sendMsg     protocol.Message
	seqNum      uint32

	events     chan driver.Event
	subscribed chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		events:     make(chan driver.Event, 10),
		subscribed: make(chan struct{}, 10),
	}
}

func (f *fakeDriver) GoOnline() bool {
	f.m.Lock()
	defer f.m.Unlock()
	return f.online
}

func (f *fakeDriver) ExecuteCommand(name string, msg protocol.Message, timeout time.Duration) (protocol.Message, bool) {
	f.m.Lock()
	defer f.m.Unlock()
	f.execName, f.execMsg, f.execTimeout = name, msg, timeout
	return msg, f.online
}

func (f *fakeDriver) SendCommand(name string, msg protocol.Message) uint32 {
	f.m.Lock()
	defer f.m.Unlock()
	f.sendMsg = msg
	return f.seqNum
}

func (f *fakeDriver) RequestClose() {
	f.m.Lock()
	defer f.m.Unlock()
	f.closes++
}

func (f *fakeDriver) State() driver.State {
	f.m.Lock()
	defer f.m.Unlock()
	return f.state
}

func (f *fakeDriver) Port() int { return 5050 }
func (f *fakeDriver) ProtocolVersion() int { return 1 }
func (f *fakeDriver) BackendVersion() string { return "3.2.1" }
func (f *fakeDriver) LastError() *supervisor.Error {
	f.m.Lock()
	defer f.m.Unlock()
	return f.lastErr
}

func (f *fakeDriver) Subscribe(buffer int) (<-chan driver.Event, func()) {
	f.subscribed <- struct{}{}
	return f.events, func() {}
}

func newTestServer(t *testing.T, d Driver, opts ...Option) *Client {
	s, err := NewServer(d, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return NewClient(zap.NewNop().Sugar(), ts.URL, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
}

func TestStatus(t *testing.T) {
	d := newFakeDriver()
	d.state = driver.Connected
	c := newTestServer(t, d)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusResponse{State: driver.Connected, Port: 5050, ProtocolVersion: 1, BackendVersion: "3.2.1"}, status)
}

func TestOnline(t *testing.T) {
	cases := []struct {
		name    string
		online  bool
		lastErr *supervisor.Error
	}{
		{name: "online", online: true},
		{name: "failed", lastErr: &supervisor.Error{Title: supervisor.ErrorTitle, Message: "Invalid first line 'x'.", Extra: "More output:\n"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := newFakeDriver()
			d.online = c.online
			d.lastErr = c.lastErr
			client := newTestServer(t, d)

			resp, err := client.GoOnline(context.Background())
			require.NoError(t, err)
			assert.Equal(t, c.online, resp.Online)
			assert.Equal(t, c.lastErr, resp.LastError)
		})
	}
}

func TestExecute(t *testing.T) {
	cases := []struct {
		name       string
		timeout    time.Duration
		expTimeout time.Duration
	}{
		{name: "explicit timeout", timeout: 250 * time.Millisecond, expTimeout: 250 * time.Millisecond},
		{name: "default timeout", expTimeout: 7 * time.Second},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := newFakeDriver()
			d.online = true
			client := newTestServer(t, d, WithDefaultTimeout(7*time.Second))

			msg := protocol.Message{"code": {"puts 1"}}
			reply, ok, err := client.Execute(context.Background(), "ruby_interact.rb emulation", msg, c.timeout)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, msg, reply)

			d.m.Lock()
			defer d.m.Unlock()
			assert.Equal(t, "ruby_interact.rb emulation", d.execName)
			assert.Equal(t, c.expTimeout, d.execTimeout)
		})
	}
}

func TestBadRequests(t *testing.T) {
	d := newFakeDriver()
	client := newTestServer(t, d)

	_, _, err := client.Execute(context.Background(), "", protocol.Message{}, 0)
	require.ErrorContains(t, err, "400")
	require.ErrorContains(t, err, "no command name")

	_, err = client.Send(context.Background(), "echo", protocol.Message{})
	require.ErrorContains(t, err, "409")
}

func TestBinaryPayloads(t *testing.T) {
	d := newFakeDriver()
	d.online = true
	d.seqNum = 3
	client := newTestServer(t, d)

	msg := protocol.Message{"data": {"\xff\xfe\x00binary", "latin1 \xe9"}, "empty": {}}
	reply, ok, err := client.Execute(context.Background(), "echo", msg, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, msg, reply)
	d.m.Lock()
	assert.Equal(t, msg, d.execMsg)
	assert.Len(t, d.execMsg["data"][0], 9)
	d.m.Unlock()

	_, err = client.Send(context.Background(), "echo", msg)
	require.NoError(t, err)
	d.m.Lock()
	assert.Equal(t, msg, d.sendMsg)
	d.m.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	events, err := client.Events(ctx)
	require.NoError(t, err)
	<-d.subscribed
	d.events <- driver.Event{Kind: driver.EventMessageReceived, SeqNum: 3, Name: "echo", Message: msg, Time: time.Now()}
	got := <-events
	assert.Equal(t, msg, got.Message)
	close(d.events)
}

func TestCommandsAreNotRetried(t *testing.T) {
	var (
		m    sync.Mutex
		hits = map[string]int{}
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Lock()
		hits[r.URL.Path]++
		m.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	client := NewClient(zap.NewNop().Sugar(), ts.URL)
	ctx := context.Background()

	_, _, err := client.Execute(ctx, "echo", protocol.Message{}, time.Second)
	require.Error(t, err)
	_, err = client.Send(ctx, "echo", protocol.Message{})
	require.Error(t, err)
	_, err = client.Status(ctx)
	require.Error(t, err)

	m.Lock()
	defer m.Unlock()
	assert.Equal(t, 1, hits["/execute"])
	assert.Equal(t, 1, hits["/send"])
	assert.Equal(t, 11, hits["/status"])
}

func TestSend(t *testing.T) {
	d := newFakeDriver()
	d.seqNum = 42
	client := newTestServer(t, d)

	seqNum, err := client.Send(context.Background(), "echo", protocol.Message{})
	require.NoError(t, err)
	assert.Equal(t, uint32(42), seqNum)
}

func TestClose(t *testing.T) {
	d := newFakeDriver()
	client := newTestServer(t, d)
	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Equal(t, 2, d.closes)
}

func TestEvents(t *testing.T) {
	d := newFakeDriver()
	client := newTestServer(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	events, err := client.Events(ctx)
	require.NoError(t, err)
	<-d.subscribed

	sent := []driver.Event{
		{Kind: driver.EventStateChanged, State: driver.Closed, Time: time.Now()},
		{Kind: driver.EventOutput, Stream: "STDOUT", SeqNum: 7, Data: []byte("a\nb\n"), Time: time.Now()},
		{Kind: driver.EventMessageReceived, SeqNum: 8, Name: "echo", Message: protocol.Message{"k": {"v"}}, Time: time.Now()},
		{Kind: driver.EventError, Err: &supervisor.Error{Title: "t", Message: "m"}, Time: time.Now()},
	}
	for _, e := range sent {
		d.events <- e
	}
	for _, exp := range sent {
		got := <-events
		assert.Equal(t, exp.Kind, got.Kind)
		assert.Equal(t, exp.State, got.State)
		assert.Equal(t, exp.Stream, got.Stream)
		assert.Equal(t, exp.SeqNum, got.SeqNum)
		assert.Equal(t, exp.Data, got.Data)
		assert.Equal(t, exp.Message, got.Message)
		assert.Equal(t, exp.Err, got.Err)
		assert.True(t, exp.Time.Equal(got.Time))
	}

	// closing the driver's channel ends the stream
	close(d.events)
	for range events {
	}
}

func TestMetrics(t *testing.T) {
	m := driver.NewMetrics()
	m.Commands.WithLabelValues("ok").Inc()

	s, err := NewServer(newFakeDriver(), WithLogger(zap.NewNop()), WithGatherer(m.Registry))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `driverlink_commands_total{outcome="ok"} 1`)
}

func TestWithDriver(t *testing.T) {
	script := filepath.Join(t.TempDir(), "tdriver_interface.rb")
	require.NoError(t, os.WriteFile(script, []byte("# fake\n"), 0o644))
	cfg := driver.DefaultConfig()
	cfg.Supervisor.Script = script

	d, err := driver.New(cfg,
		driver.WithLogger(zap.NewNop()),
		driver.WithSupervisorOptions(supervisor.WithCommandFactory(func(supervisor.Config) *exec.Cmd {
			return fakeworker.Command(fakeworker.ModeNormal)
		})),
	)
	require.NoError(t, err)
	d.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, d.Shutdown(ctx))
	}()

	client := newTestServer(t, d)
	ctx := context.Background()

	reply, ok, err := client.Execute(ctx, fakeworker.CmdEcho, protocol.Message{"x": {"1"}}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, protocol.Message{"x": {"1"}}, reply)

	binary := protocol.Message{"data": {"\xff\xfe\x00binary", ""}}
	reply, ok, err = client.Execute(ctx, fakeworker.CmdEcho, binary, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, binary, reply)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, driver.Connected, status.State)
	assert.Equal(t, fakeworker.BackendVersion, status.BackendVersion)

	require.NoError(t, client.Close(ctx))
	require.Eventually(t, func() bool {
		status, err := client.Status(ctx)
		return err == nil && status.State == driver.Closed
	}, 10*time.Second, 20*time.Millisecond)
}

func TestRunAndStop(t *testing.T) {
	port, err := inet.FreeLocalPort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	d := newFakeDriver()
	s, err := NewServer(d, WithLogger(zap.NewNop()), WithListenAddr(addr))
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run() }()

	client := NewClient(zap.NewNop().Sugar(), addr, WithClientWaitInterval(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))

	require.NoError(t, s.Stop())
	require.NoError(t, <-runErr)
}
