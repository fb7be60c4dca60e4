package protocol

import (
	"sync"
	"time"

	"github.com/guseggert/driverlink/internal/syncx"
	"go.uber.org/zap"
)

// HelloName is the frame name the worker uses for its greeting, always sent with sequence number 0.
const HelloName = "hello"

type pending struct {
	reply   Reply
	arrived bool
}

// Handler correlates frames on one worker connection.
//
// It shares a mutex with its owner. Methods documented as "mu held" must be called with that
// mutex locked; the wait methods release it while blocked, like sync.Cond.Wait.
// Receive is called by the connection owner without the lock held.
type Handler struct {
	log   *zap.SugaredLogger
	mu    *sync.Mutex
	write func([]byte) error

	helloCond *sync.Cond
	msgCond   *sync.Cond

	dec     Decoder
	seqNum  uint32
	hello   bool
	closed  bool
	pending map[uint32]*pending
}

// NewHandler returns a handler whose outbound frames are passed to write.
// write is called with mu held and must not block on the owner goroutine.
func NewHandler(mu *sync.Mutex, write func([]byte) error, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		log:       log.Named("protocol"),
		mu:        mu,
		write:     write,
		helloCond: sync.NewCond(mu),
		msgCond:   sync.NewCond(mu),
		pending:   map[uint32]*pending{},
	}
}

// nextSeqNum is strictly increasing and skips 0 on wraparound. mu held.
func (h *Handler) nextSeqNum() uint32 {
	h.seqNum++
	if h.seqNum == 0 {
		h.seqNum = 1
	}
	return h.seqNum
}

// Send encodes and writes a frame, returning its sequence number, or 0 if it could not be written. mu held.
func (h *Handler) Send(name string, msg Message) uint32 {
	if h.closed {
		return 0
	}
	seqNum := h.nextSeqNum()
	if err := h.write(Encode(seqNum, name, msg)); err != nil {
		h.log.Debugw("send failed", "SeqNum", seqNum, "Name", name, "Error", err)
		return 0
	}
	h.log.Debugw("sent", "SeqNum", seqNum, "Name", name)
	return seqNum
}

// Expect registers interest in the reply to seqNum so that Receive keeps it for WaitSeqNum. mu held.
func (h *Handler) Expect(seqNum uint32) {
	if _, ok := h.pending[seqNum]; !ok {
		h.pending[seqNum] = &pending{}
	}
}

// Receive feeds inbound bytes and returns every frame completed by them.
// Hello frames set the hello flag; other frames fill the matching pending slot.
func (h *Handler) Receive(b []byte) ([]Reply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dec.Feed(b)
	var replies []Reply
	for {
		reply, ok, err := h.dec.Next()
		if err != nil {
			return replies, err
		}
		if !ok {
			return replies, nil
		}
		replies = append(replies, reply)

		if reply.SeqNum == 0 && reply.Name == HelloName {
			if h.hello {
				h.log.Warnw("duplicate hello ignored", "Message", reply.Message)
				continue
			}
			h.log.Debugw("hello received", "Message", reply.Message)
			h.hello = true
			h.helloCond.Broadcast()
			continue
		}

		h.log.Debugw("received", "SeqNum", reply.SeqNum, "Name", reply.Name)
		if p, ok := h.pending[reply.SeqNum]; ok {
			p.reply = reply
			p.arrived = true
			h.msgCond.Broadcast()
		}
	}
}

// HelloReceived reports whether the worker has greeted us. mu held.
func (h *Handler) HelloReceived() bool {
	return h.hello
}

// WaitHello waits up to timeout for the hello frame. mu held.
func (h *Handler) WaitHello(timeout time.Duration) bool {
	syncx.WaitCond(h.helloCond, timeout, func() bool { return h.hello || h.closed })
	return h.hello
}

// WaitSeqNum waits up to timeout for the reply to seqNum, which must have been registered with Expect.
// The pending slot is released whether or not the reply arrived. mu held.
func (h *Handler) WaitSeqNum(seqNum uint32, timeout time.Duration) (Reply, bool) {
	p, ok := h.pending[seqNum]
	if !ok {
		return Reply{}, false
	}
	defer delete(h.pending, seqNum)

	syncx.WaitCond(h.msgCond, timeout, func() bool { return p.arrived || h.closed })
	if !p.arrived {
		return Reply{}, false
	}
	return p.reply, true
}

// Pending returns the number of registered reply slots. mu held.
func (h *Handler) Pending() int {
	return len(h.pending)
}

// Abort marks the handler closed and wakes every waiter. mu held.
func (h *Handler) Abort() {
	h.closed = true
	h.helloCond.Broadcast()
	h.msgCond.Broadcast()
}
