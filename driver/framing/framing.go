package framing

import (
	"bytes"
	"strconv"

	"go.uber.org/zap"
)

// Delim is the two-byte marker that starts every block boundary line.
const Delim = "\032\032"

var (
	delim    = []byte(Delim)
	startTag = []byte(Delim + "START ")
	endTag   = []byte(Delim + "END ")
)

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "STDERR"
	}
	return "STDOUT"
}

// Output is either a completed eval block (Tagged, SeqNum and Data set)
// or a single untagged line (Line set, without its newline).
type Output struct {
	Stream Stream
	Tagged bool
	SeqNum uint32
	Data   []byte
	Line   []byte
}

// Reader splits one output stream of the worker into eval blocks and plain lines.
// It is not goroutine-safe.
type Reader struct {
	stream Stream
	log    *zap.SugaredLogger

	rest   []byte
	seqNum uint32
	eval   []byte
}

func NewReader(stream Stream, log *zap.SugaredLogger) *Reader {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reader{stream: stream, log: log.Named("framing")}
}

// Feed appends chunk to the retained partial line and returns the outputs of every line it completes.
// The trailing incomplete line is kept until a later chunk completes it.
func (r *Reader) Feed(chunk []byte) []Output {
	r.rest = append(r.rest, chunk...)
	var outs []Output
	for {
		i := bytes.IndexByte(r.rest, '\n')
		if i < 0 {
			break
		}
		line := r.rest[:i]
		r.rest = r.rest[i+1:]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if out, ok := r.line(line); ok {
			outs = append(outs, out)
		}
	}
	// compact so a long-lived reader doesn't pin consumed bytes
	if len(r.rest) == 0 {
		r.rest = nil
	} else {
		r.rest = append([]byte(nil), r.rest...)
	}
	return outs
}

// Pending returns the bytes of the incomplete trailing line.
func (r *Reader) Pending() []byte {
	return r.rest
}

// SeqNum returns the sequence number of the open block, or 0 if none is open.
func (r *Reader) SeqNum() uint32 {
	return r.seqNum
}

func (r *Reader) line(line []byte) (Output, bool) {
	if bytes.HasPrefix(line, delim) {
		var out Output
		closed := false
		if r.seqNum > 0 {
			r.log.Debugw("eval block closed", "Stream", r.stream, "SeqNum", r.seqNum, "Bytes", len(r.eval))
			out = Output{Stream: r.stream, Tagged: true, SeqNum: r.seqNum, Data: r.eval}
			if out.Data == nil {
				out.Data = []byte{}
			}
			closed = true
		}
		r.eval = nil
		r.seqNum = 0

		switch {
		case bytes.HasPrefix(line, startTag):
			seqNum, ok := parseSeqNum(line[len(startTag):])
			if !ok {
				r.log.Warnw("invalid start line", "Stream", r.stream, "Line", string(line))
			} else {
				r.seqNum = seqNum
			}
		case bytes.HasPrefix(line, endTag):
		default:
			r.log.Debugw("ignoring delimiter line", "Stream", r.stream, "Line", string(line))
		}
		return out, closed
	}

	if r.seqNum > 0 {
		r.eval = append(r.eval, line...)
		r.eval = append(r.eval, '\n')
		return Output{}, false
	}

	return Output{Stream: r.stream, Line: append([]byte(nil), line...)}, true
}

// parseSeqNum reads the leading decimal digits of b.
func parseSeqNum(b []byte) (uint32, bool) {
	n := 0
	for n < len(b) && b[n] >= '0' && b[n] <= '9' {
		n++
	}
	if n == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(string(b[:n]), 10, 32)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint32(v), true
}
