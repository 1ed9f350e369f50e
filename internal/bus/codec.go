// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLine bounds a single encoded message.
const maxLine = 4 << 20

// Encoder writes one JSON message per line. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes msg followed by a newline.
func (e *Encoder) Encode(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}

// Decoder reads messages written by an Encoder.
type Decoder struct {
	s *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &Decoder{s: s}
}

// Decode returns the next message, or io.EOF when the stream ends. Blank
// lines are skipped.
func (d *Decoder) Decode() (Message, error) {
	for d.s.Scan() {
		line := d.s.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("decoding message: %w", err)
		}
		return msg, nil
	}
	if err := d.s.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// Transport is one side of a worker connection.
type Transport interface {
	Send(Message) error
	Recv() (Message, error)
}

// StreamTransport is a Transport over a byte stream pair, such as a worker
// process's stdin and stdout.
type StreamTransport struct {
	enc *Encoder
	dec *Decoder
}

// NewStreamTransport reads messages from r and writes them to w.
func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	return &StreamTransport{enc: NewEncoder(w), dec: NewDecoder(r)}
}

// Send implements Transport.
func (t *StreamTransport) Send(msg Message) error {
	return t.enc.Encode(msg)
}

// Recv implements Transport.
func (t *StreamTransport) Recv() (Message, error) {
	return t.dec.Decode()
}
