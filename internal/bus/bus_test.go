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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/modhost/internal/completion"
)

func TestRequestDispatch(t *testing.T) {
	b := New(nil)
	b.Handle(RequestGetDisplayName, func(ctx context.Context, req Request) (any, error) {
		var name string
		require.NoError(t, req.Decode(&name))
		return "Display " + name, nil
	})

	out, err := b.Request(context.Background(), RequestGetDisplayName, "test", "alpha")
	require.NoError(t, err)
	assert.JSONEq(t, `"Display alpha"`, string(out))

	_, err = b.Request(context.Background(), "nope", "test", nil)
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestRequestHandlerError(t *testing.T) {
	b := New(nil)
	boom := errors.New("boom")
	b.Handle(RequestLoad, func(context.Context, Request) (any, error) { return nil, boom })

	_, err := b.Request(context.Background(), RequestLoad, "test", nil)
	assert.ErrorIs(t, err, boom)
}

func TestSubscribeEmit(t *testing.T) {
	b := New(nil)
	events, cancel := b.Subscribe(EventLoaded)
	defer cancel()
	other, cancelOther := b.Subscribe(EventCrashed)
	defer cancelOther()

	require.NoError(t, b.Emit(EventLoaded, map[string]int{"loaded": 2}))

	select {
	case ev := <-events:
		assert.Equal(t, EventLoaded, ev.Type())
		assert.Equal(t, EventSource, ev.Source())
		var data map[string]int
		require.NoError(t, ev.DataAs(&data))
		assert.Equal(t, 2, data["loaded"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Empty(t, other)

	require.NoError(t, b.EmitFrom("alpha", EventCrashed, nil))
	ev := <-other
	assert.Equal(t, "modhost/module/alpha", ev.Source())
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := New(nil)
	events, cancel := b.Subscribe(EventLoaded)
	cancel()
	cancel()
	_, ok := <-events
	assert.False(t, ok)

	kept, _ := b.Subscribe(EventLoaded)
	b.Close()
	_, ok = <-kept
	assert.False(t, ok)
	assert.ErrorIs(t, b.Emit(EventLoaded, nil), ErrClosed)
}

func TestCallDeliver(t *testing.T) {
	b := New(nil)
	sent := make(chan Message, 1)

	go func() {
		msg := <-sent
		assert.True(t, b.Deliver(msg.Reply("bye", nil)))
	}()

	reply, err := b.Call(context.Background(), func(m Message) error {
		sent <- m
		return nil
	}, Message{Type: TypeTerminate})
	require.NoError(t, err)
	assert.Equal(t, TypeTerminated, reply.Type)

	var got string
	require.NoError(t, reply.Decode(&got))
	assert.Equal(t, "bye", got)

	assert.False(t, b.Deliver(Message{ID: "unknown"}))
}

func TestCallErrors(t *testing.T) {
	b := New(nil)

	_, err := b.Call(context.Background(), func(Message) error { return io.ErrClosedPipe }, Message{Type: TypeRequest})
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Call(ctx, func(Message) error { return nil }, Message{Type: TypeRequest})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ids := make(chan string, 1)
	go func() {
		b.Deliver(Message{Type: TypeResponse, ID: <-ids, Error: "worker said no"})
	}()
	_, err = b.Call(context.Background(), func(m Message) error {
		ids <- m.ID
		return nil
	}, Message{Type: TypeRequest})
	assert.EqualError(t, err, "worker said no")
}

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	loaded, err := NewLoaded(completion.Completion{ModuleID: 4, Error: "bad"})
	require.NoError(t, err)
	req, err := NewRequest(RequestGetDataDirectory, "alpha")
	require.NoError(t, err)

	require.NoError(t, enc.Encode(loaded))
	buf.WriteString("\n")
	require.NoError(t, enc.Encode(req))
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))

	dec := NewDecoder(&buf)

	got, err := dec.Decode()
	require.NoError(t, err)
	c, err := got.Completion()
	require.NoError(t, err)
	assert.Equal(t, 4, c.ModuleID)
	assert.EqualError(t, c.Err(), "bad")

	got, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	var name string
	require.NoError(t, got.Decode(&name))
	assert.Equal(t, "alpha", name)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("not json\n")).Decode()
	assert.Error(t, err)

	_, err = Message{Type: TypeRequest}.Completion()
	assert.Error(t, err)
}

func TestReplyCarriesError(t *testing.T) {
	req := Message{Type: TypeRequest, ID: "1", Name: "x"}
	resp := req.Reply(nil, errors.New("nope"))
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, "nope", resp.Error)

	raw := json.RawMessage(`{"a":1}`)
	resp = req.Reply(raw, nil)
	assert.JSONEq(t, `{"a":1}`, string(resp.Payload))
}
