package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// nullLen marks a null byte array on the wire, decoded as empty.
const nullLen = 0xFFFFFFFF

// DefaultMaxFrameSize bounds the size of a single inbound frame.
const DefaultMaxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Message maps short keys to ordered lists of byte strings.
type Message map[string][]string

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	c := make(Message, len(m))
	for k, v := range m {
		c[k] = append(make([]string, 0, len(v)), v...)
	}
	return c
}

// Reply is one decoded frame.
type Reply struct {
	SeqNum  uint32
	Name    string
	Message Message
}

func appendBytes(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// Encode serializes a frame. Keys are written in sorted order.
func Encode(seqNum uint32, name string, msg Message) []byte {
	keys := make([]string, 0, len(msg))
	for k := range msg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mapData []byte
	for _, k := range keys {
		var listData []byte
		for _, item := range msg[k] {
			listData = appendBytes(listData, item)
		}
		mapData = appendBytes(mapData, k)
		mapData = appendBytes(mapData, string(listData))
	}

	out := make([]byte, 0, 12+len(name)+len(mapData))
	out = binary.BigEndian.AppendUint32(out, seqNum)
	out = appendBytes(out, name)
	out = appendBytes(out, string(mapData))
	return out
}

// Decoder incrementally parses frames out of a byte stream.
type Decoder struct {
	MaxFrameSize int

	buf []byte
}

// Feed appends inbound bytes.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Buffered returns the number of bytes not yet consumed by a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame. ok is false when more bytes are needed.
func (d *Decoder) Next() (reply Reply, ok bool, err error) {
	limit := d.MaxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}

	if len(d.buf) < 4 {
		return Reply{}, false, nil
	}
	seqNum := binary.BigEndian.Uint32(d.buf)
	off := 4

	name, off, complete, err := peekBytes(d.buf, off, limit)
	if err != nil || !complete {
		return Reply{}, false, err
	}
	mapData, off, complete, err := peekBytes(d.buf, off, limit)
	if err != nil || !complete {
		return Reply{}, false, err
	}

	msg, err := decodeMap(mapData)
	if err != nil {
		return Reply{}, false, fmt.Errorf("decoding frame %d: %w", seqNum, err)
	}

	d.buf = d.buf[off:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return Reply{SeqNum: seqNum, Name: string(name), Message: msg}, true, nil
}

// peekBytes reads a length-prefixed byte array at off without requiring it to be complete.
func peekBytes(b []byte, off, limit int) ([]byte, int, bool, error) {
	if len(b) < off+4 {
		return nil, off, false, nil
	}
	n := binary.BigEndian.Uint32(b[off:])
	off += 4
	if n == nullLen {
		return nil, off, true, nil
	}
	if int64(n) > int64(limit) {
		return nil, off, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if len(b) < off+int(n) {
		return nil, off, false, nil
	}
	return b[off : off+int(n)], off + int(n), true, nil
}

// readBytes reads a length-prefixed byte array that must be entirely inside b.
func readBytes(b []byte, off int) ([]byte, int, error) {
	if len(b) < off+4 {
		return nil, off, fmt.Errorf("truncated length at offset %d", off)
	}
	n := binary.BigEndian.Uint32(b[off:])
	off += 4
	if n == nullLen {
		return nil, off, nil
	}
	if uint64(len(b)) < uint64(off)+uint64(n) {
		return nil, off, fmt.Errorf("length %d at offset %d overruns %d bytes", n, off-4, len(b))
	}
	return b[off : off+int(n)], off + int(n), nil
}

func decodeMap(data []byte) (Message, error) {
	msg := Message{}
	off := 0
	for off < len(data) {
		key, next, err := readBytes(data, off)
		if err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}
		listData, next, err := readBytes(data, next)
		if err != nil {
			return nil, fmt.Errorf("reading list for key %q: %w", key, err)
		}
		off = next

		list := []string{}
		for loff := 0; loff < len(listData); {
			item, lnext, err := readBytes(listData, loff)
			if err != nil {
				return nil, fmt.Errorf("reading item of key %q: %w", key, err)
			}
			list = append(list, string(item))
			loff = lnext
		}
		msg[string(key)] = list
	}
	return msg, nil
}
