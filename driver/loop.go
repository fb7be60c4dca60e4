package driver

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/guseggert/driverlink/driver/framing"
	"github.com/guseggert/driverlink/driver/protocol"
	"github.com/guseggert/driverlink/driver/supervisor"
	"github.com/guseggert/driverlink/internal/syncx"
)

var errNotConnected = errors.New("not connected to worker")

type requestKind int

const (
	reqSpawn requestKind = iota
	reqClose
	reqWrite
	reqShutdown
)

type request struct {
	kind   requestKind
	connID uint64
	data   []byte
}

// mailbox is an unbounded request queue for the owner goroutine.
// post never blocks, so it is safe to call with the driver's mutex held.
type mailbox struct {
	m     sync.Mutex
	items []request
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (b *mailbox) post(r request) {
	b.m.Lock()
	b.items = append(b.items, r)
	b.m.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *mailbox) take() []request {
	b.m.Lock()
	defer b.m.Unlock()
	items := b.items
	b.items = nil
	return items
}

// connection drains the worker socket on its own goroutine into a buffer the owner takes from.
// The reader never waits on the owner.
type connection struct {
	id   uint64
	conn net.Conn

	m       sync.Mutex
	pending []byte
	err     error
	ready   chan struct{}
}

func newConnection(id uint64, conn net.Conn) *connection {
	return &connection{
		id:    id,
		conn:  conn,
		ready: make(chan struct{}, 1),
	}
}

func (c *connection) read() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		c.m.Lock()
		c.pending = append(c.pending, buf[:n]...)
		if err != nil {
			c.err = err
		}
		c.m.Unlock()
		if n > 0 || err != nil {
			select {
			case c.ready <- struct{}{}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

// take returns the bytes read so far and the read error, if the reader stopped.
func (c *connection) take() ([]byte, error) {
	c.m.Lock()
	defer c.m.Unlock()
	b := c.pending
	c.pending = nil
	return b, c.err
}

func (c *connection) close() {
	c.conn.Close()
}

func (d *Driver) run() {
	d.owner.Store(syncx.GoroutineID())
	defer close(d.stopped)
	d.log.Debug("owner goroutine started")
	for {
		select {
		case <-d.inbox.ready:
			for _, req := range d.inbox.take() {
				if d.handle(req) {
					return
				}
			}
		case <-d.stdoutReady():
			d.readStdout()
		case <-d.stderrReady():
			d.readStderr()
		case <-d.connReady():
			d.readConn()
		case <-d.workerExited:
			d.processFinished()
		}
	}
}

// handle processes one request and reports whether the owner goroutine should stop.
func (d *Driver) handle(req request) bool {
	switch req.kind {
	case reqSpawn:
		d.spawn()
	case reqClose:
		d.close()
	case reqWrite:
		d.write(req)
	case reqShutdown:
		d.log.Debug("shutting down")
		d.close()
		d.mu.Lock()
		d.stopping = true
		d.spawning = false
		d.spawnGen++
		d.spawnCond.Broadcast()
		d.mu.Unlock()
		d.hub.Close()
		return true
	}
	return false
}

func (d *Driver) stdoutReady() <-chan struct{} {
	if d.worker == nil {
		return nil
	}
	return d.worker.StdoutReady()
}

func (d *Driver) stderrReady() <-chan struct{} {
	if d.worker == nil {
		return nil
	}
	return d.worker.StderrReady()
}

func (d *Driver) connReady() <-chan struct{} {
	if d.conn == nil {
		return nil
	}
	return d.conn.ready
}

func (d *Driver) readConn() {
	c := d.conn
	b, err := c.take()
	if len(b) > 0 {
		d.receive(b)
	}
	if err != nil && d.conn == c {
		d.disconnected(err)
	}
}

func (d *Driver) readStdout() {
	if d.worker != nil {
		d.feed(d.stdout, d.worker.ReadStdout())
	}
}

func (d *Driver) readStderr() {
	if d.worker != nil {
		d.feed(d.stderr, d.worker.ReadStderr())
	}
}

func (d *Driver) feed(r *framing.Reader, b []byte) {
	if len(b) == 0 {
		return
	}
	for _, out := range r.Feed(b) {
		d.hub.Publish(outputEvent(out))
	}
}

// spawn runs one attempt to start and connect to a worker, then wakes GoOnline callers.
func (d *Driver) spawn() {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	var serr *supervisor.Error
	if state == Closed {
		start := time.Now()
		serr = d.connect()
		result := "ok"
		if serr != nil {
			result = "error"
			d.log.Errorw("worker startup failed", "Error", serr.Message, "Extra", serr.Extra)
			d.hub.Publish(Event{Kind: EventError, Err: serr})
		} else {
			d.log.Infow("worker started", "Port", d.handshake.Port, "BackendVersion", d.handshake.BackendVersion, "Duration", time.Since(start))
		}
		d.metrics.SpawnAttempts.WithLabelValues(result).Inc()
	}

	d.mu.Lock()
	if serr != nil {
		d.lastErr = serr
	} else if state == Closed {
		d.lastErr = nil
	}
	d.spawning = false
	d.spawnGen++
	d.spawnCond.Broadcast()
	d.mu.Unlock()
}

// connect starts a worker and opens the connection to it. On failure nothing is left running.
func (d *Driver) connect() *supervisor.Error {
	w, serr := d.sup.Start()
	if serr != nil {
		return serr
	}
	d.worker = w
	d.workerExited = w.Exited()
	d.stdout = framing.NewReader(framing.Stdout, d.log)
	d.stderr = framing.NewReader(framing.Stderr, d.log)
	d.readStdout()
	d.readStderr()

	conn, serr := d.sup.Connect(w)
	if serr != nil {
		d.resetProcess()
		return serr
	}

	d.mu.Lock()
	d.connID++
	c := newConnection(d.connID, conn)
	d.handler = protocol.NewHandler(&d.mu, func(b []byte) error {
		return d.enqueueWrite(c.id, b)
	}, d.log)
	d.handshake = w.Handshake
	d.setState(Running)
	d.mu.Unlock()

	d.conn = c
	go c.read()
	return nil
}

// enqueueWrite queues an encoded frame for the owner goroutine. mu held.
func (d *Driver) enqueueWrite(connID uint64, b []byte) error {
	if d.connID != connID || (d.state != Running && d.state != Connected) {
		return errNotConnected
	}
	d.inbox.post(request{kind: reqWrite, connID: connID, data: b})
	return nil
}

func (d *Driver) write(req request) {
	if d.conn == nil || d.conn.id != req.connID {
		d.log.Debugw("dropping write for closed connection", "Bytes", len(req.data))
		return
	}
	if d.cfg.WriteTimeout > 0 {
		_ = d.conn.conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	}
	if _, err := d.conn.conn.Write(req.data); err != nil {
		d.disconnected(err)
	}
}

func (d *Driver) receive(b []byte) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h == nil {
		return
	}

	replies, err := h.Receive(b)
	for _, r := range replies {
		if r.SeqNum == 0 && r.Name == protocol.HelloName {
			d.mu.Lock()
			if d.handler == h && d.state == Running {
				d.setState(Connected)
			}
			d.mu.Unlock()
			d.hub.Publish(Event{Kind: EventHelloReceived, Name: r.Name, Message: r.Message.Clone()})
			continue
		}
		d.hub.Publish(Event{Kind: EventMessageReceived, SeqNum: r.SeqNum, Name: r.Name, Message: r.Message.Clone()})
	}
	if err != nil {
		d.log.Errorw("invalid data from worker, closing connection", "Error", err)
		d.hub.Publish(Event{Kind: EventError, Err: &supervisor.Error{Title: "Protocol error", Message: err.Error()}})
		d.close()
	}
}

func (d *Driver) disconnected(err error) {
	d.log.Infow("worker connection closed", "Error", err)
	d.hub.Publish(Event{Kind: EventDisconnected, Err: &supervisor.Error{Title: "Disconnected", Message: err.Error()}})
	d.close()
}

// processFinished handles a worker that exited on its own.
func (d *Driver) processFinished() {
	w := d.worker
	d.workerExited = nil
	d.readStdout()
	d.readStderr()
	d.log.Infow("worker exited", "Worker", w.ID, "ExitCode", w.ExitCode(), "ExitStatus", w.ExitStatus())
	d.hub.Publish(Event{Kind: EventProcessFinished, ExitCode: w.ExitCode(), ExitStatus: w.ExitStatus()})
	d.metrics.Restarts.Inc()
	d.close()
}

// close tears down the connection and the worker. It is a no-op when already closing or closed.
func (d *Driver) close() {
	if !d.closing.CompareAndSwap(false, true) {
		d.log.Debug("close already in progress")
		return
	}
	defer d.closing.Store(false)

	d.mu.Lock()
	if d.state == Closed || d.state == Closing {
		d.mu.Unlock()
		return
	}
	d.setState(Closing)
	if d.handler != nil {
		d.handler.Abort()
	}
	// queued writes for this connection are dropped
	d.connID++
	d.mu.Unlock()

	if d.conn != nil {
		d.conn.close()
		d.conn = nil
	}
	d.resetProcess()

	d.mu.Lock()
	d.handler = nil
	d.setState(Closed)
	d.mu.Unlock()
}

// resetProcess terminates the worker and forwards its remaining output.
func (d *Driver) resetProcess() {
	w := d.worker
	if w == nil {
		return
	}
	d.sup.Terminate(w)
	d.readStdout()
	d.readStderr()
	if d.workerExited != nil {
		d.workerExited = nil
		d.hub.Publish(Event{Kind: EventProcessFinished, ExitCode: w.ExitCode(), ExitStatus: w.ExitStatus()})
	}
	for _, r := range []*framing.Reader{d.stdout, d.stderr} {
		if p := r.Pending(); len(p) > 0 {
			d.log.Debugw("discarding partial output line", "Data", string(p))
		}
	}
	d.sup.Release(w)
	d.worker = nil
}
