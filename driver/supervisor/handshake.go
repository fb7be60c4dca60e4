package supervisor

import (
	"bytes"
	"strconv"
)

// HandshakeTag is the default first token of the worker's startup line.
const HandshakeTag = "TDriverVisualizerRubyInterface"

// ProtocolVersion is the only worker protocol version we speak.
const ProtocolVersion = 1

// Handshake holds the values announced on the worker's first stdout line:
//
//	TDriverVisualizerRubyInterface version <n> port <n> tdriver <backend version>
type Handshake struct {
	Version        int
	Port           int
	BackendVersion string
}

// ParseHandshake validates the startup line against the expected tag. extra is attached to any returned error.
func ParseHandshake(tag string, line []byte, extra string) (Handshake, *Error) {
	simplified := bytes.Join(bytes.Fields(line), []byte{' '})
	tokens := bytes.Split(simplified, []byte{' '})

	if len(tokens) < 7 ||
		string(tokens[0]) != tag ||
		string(tokens[1]) != "version" ||
		atoi(tokens[2]) == 0 ||
		string(tokens[3]) != "port" ||
		atoi(tokens[4]) == 0 ||
		string(tokens[5]) != "tdriver" ||
		len(tokens[6]) == 0 {
		return Handshake{}, newError(extra, "Invalid first line '%s'.", simplified)
	}

	hs := Handshake{
		Version:        atoi(tokens[2]),
		Port:           atoi(tokens[4]),
		BackendVersion: string(tokens[6]),
	}
	if hs.Port < 1 || hs.Port > 65535 || hs.Version != ProtocolVersion {
		return Handshake{}, newError(extra, "Invalid values on first line: port %d, version %d", hs.Port, hs.Version)
	}
	return hs, nil
}

// atoi returns 0 for anything that is not a plain decimal integer.
func atoi(b []byte) int {
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0
	}
	return n
}
