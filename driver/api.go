package driver

import (
	"time"

	"github.com/guseggert/driverlink/driver/protocol"
	"github.com/guseggert/driverlink/driver/supervisor"
	"github.com/guseggert/driverlink/internal/syncx"
)

// TimeoutError is the error reported in the reply of a command that got no answer.
const TimeoutError = "Error: Timeout waiting for TDriver interface script"

// UnknownError replaces an empty error list in a reply.
const UnknownError = "Unknown error"

func timeoutReply() protocol.Message {
	return protocol.Message{"error": {TimeoutError}}
}

// normalizeReply makes sure a reply that signals an error also says what it is.
func normalizeReply(msg protocol.Message) protocol.Message {
	if errs, ok := msg["error"]; ok && len(errs) == 0 {
		msg = msg.Clone()
		msg["error"] = []string{UnknownError}
	}
	return msg
}

// GoOnline brings the worker up if needed and reports whether the driver is connected.
// From Closed it asks the owner goroutine to spawn a worker and waits for the attempt to finish.
// From Running it waits for the worker's hello, and requests close if none arrives.
// It must not be called from the owner goroutine, which would wait on itself; doing so panics.
func (d *Driver) GoOnline() bool {
	if d.owner.Load() == syncx.GoroutineID() {
		panic("driver: GoOnline called from the owner goroutine")
	}
	if !d.started.Load() {
		d.log.Warn("GoOnline called before Start")
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		return false
	}

	if d.state == Closed {
		gen := d.spawnGen
		if !d.spawning {
			d.spawning = true
			d.inbox.post(request{kind: reqSpawn})
		}
		ok := syncx.WaitCond(d.spawnCond, d.cfg.OnlineTimeout, func() bool { return d.spawnGen != gen })
		if !ok {
			d.log.Warnw("timed out waiting for worker startup", "Timeout", d.cfg.OnlineTimeout)
		}
	}

	if d.state == Running {
		h := d.handler
		hello := h.WaitHello(d.cfg.HelloTimeout)
		if d.handler == h && d.state == Running {
			if hello {
				d.setState(Connected)
			} else {
				d.log.Warnw("no hello from worker, closing", "Timeout", d.cfg.HelloTimeout)
				d.inbox.post(request{kind: reqClose})
			}
		}
	}

	return d.state == Connected
}

// ExecuteCommand sends a request and waits up to timeout for its reply.
// If the driver can't go online, or no reply arrives in time, it returns a reply whose
// "error" entry is TimeoutError, and false.
func (d *Driver) ExecuteCommand(name string, msg protocol.Message, timeout time.Duration) (protocol.Message, bool) {
	if !d.GoOnline() {
		d.metrics.Commands.WithLabelValues(outcomeOffline).Inc()
		return timeoutReply(), false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	if seqNum := d.send(name, msg); seqNum != 0 {
		h := d.handler
		h.Expect(seqNum)
		if reply, ok := h.WaitSeqNum(seqNum, timeout); ok {
			d.metrics.Commands.WithLabelValues(outcomeOK).Inc()
			d.metrics.CommandSeconds.Observe(time.Since(start).Seconds())
			return normalizeReply(reply.Message), true
		}
		d.log.Warnw("no reply from worker", "SeqNum", seqNum, "Name", name, "Timeout", timeout)
	}
	d.metrics.Commands.WithLabelValues(outcomeTimeout).Inc()
	return timeoutReply(), false
}

// SendCommand sends a request without waiting and returns its sequence number, or 0 if the
// driver is not connected. The reply arrives as an EventMessageReceived.
func (d *Driver) SendCommand(name string, msg protocol.Message) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	seqNum := d.send(name, msg)
	if seqNum == 0 {
		d.log.Debugw("command not sent", "Name", name, "State", d.state)
	}
	return seqNum
}

// send requires the Connected state. mu held.
func (d *Driver) send(name string, msg protocol.Message) uint32 {
	if d.state != Connected || d.handler == nil {
		return 0
	}
	return d.handler.Send(name, msg)
}

// RequestClose asks the owner goroutine to tear down the worker. Repeated requests are harmless.
func (d *Driver) RequestClose() {
	d.inbox.post(request{kind: reqClose})
}

func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Port is the TCP port the current or last worker announced.
func (d *Driver) Port() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handshake.Port
}

func (d *Driver) ProtocolVersion() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handshake.Version
}

func (d *Driver) BackendVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handshake.BackendVersion
}

// LastError is the error of the last failed spawn attempt, or nil if the last attempt succeeded.
func (d *Driver) LastError() *supervisor.Error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}
