package capture

import (
	"bufio"
	"encoding/json"
	"io"
)

// The native capture producer writes newline-delimited JSON messages on its
// stdout. Three message types are understood; anything else is counted and
// skipped so that newer producers remain compatible with older readers.

const (
	msgData  = "data"
	msgInfo  = "info"
	msgError = "error"
)

// message is one producer message. Bytes is base64-decoded by encoding/json
// for "data" messages; Message carries text for "info" and "error".
type message struct {
	Type    string `json:"type"`
	Bytes   []byte `json:"bytes,omitempty"`
	Message string `json:"message,omitempty"`
}

// maxMessageSize bounds a single producer line. Data messages carry at most a
// few hundred milliseconds of PCM; 4 MiB leaves generous headroom.
const maxMessageSize = 4 << 20

// messageScanner decodes the producer's message stream. It is not safe for
// concurrent use; the adapter owns exactly one per stream.
type messageScanner struct {
	sc *bufio.Scanner
}

func newMessageScanner(r io.Reader) *messageScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxMessageSize)
	return &messageScanner{sc: sc}
}

// next returns the next decoded message. Undecodable lines are skipped — a
// partially-written line during producer shutdown must not kill the reader.
// Returns io.EOF (or the underlying read error) when the stream ends.
func (m *messageScanner) next() (message, error) {
	for m.sc.Scan() {
		line := m.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		return msg, nil
	}
	if err := m.sc.Err(); err != nil {
		return message{}, err
	}
	return message{}, io.EOF
}
