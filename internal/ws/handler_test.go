package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/saker-ai/voice-relay/internal/connection"
	"github.com/saker-ai/voice-relay/internal/dispatch"
	"github.com/saker-ai/voice-relay/internal/framing"
	"github.com/saker-ai/voice-relay/internal/protocol"
)

type recorder struct {
	mu  sync.Mutex
	got []dispatch.Context
}

func (r *recorder) handle(_ context.Context, in dispatch.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, in)
	return nil
}

func (r *recorder) messages() []dispatch.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.Context(nil), r.got...)
}

type fixture struct {
	dispatcher *dispatch.Dispatcher
	codec      *framing.Codec
	recorder   *recorder
	server     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dispatcher: dispatch.New(connection.NewRegistry(), nil),
		codec:      framing.NewCodec(1 << 20),
		recorder:   &recorder{},
	}
	f.dispatcher.OnMessage(f.recorder.handle)
	handler := NewHandler(f.dispatcher, f.codec, Options{WriteTimeout: time.Second}, nil)
	f.server = httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) dial(t *testing.T) (*websocket.Conn, protocol.Message) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	welcome := readMessage(t, client)
	return client, welcome
}

func readMessage(t *testing.T, client *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func (f *fixture) waitMessages(t *testing.T, n int) []dispatch.Context {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.recorder.messages()) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return f.recorder.messages()
}

func TestWelcomeMessageCarriesConnectionID(t *testing.T) {
	f := newFixture(t)
	_, welcome := f.dial(t)

	require.Equal(t, protocol.TypeConnected, welcome.Type)
	require.Equal(t, welcomeText, welcome.Message)
	require.NotEmpty(t, welcome.ConnectionID)
	require.True(t, f.dispatcher.Registry().Exists(welcome.ConnectionID))
}

func TestMetadataThenChunksDispatchesOneAudioMessage(t *testing.T) {
	f := newFixture(t)
	client, welcome := f.dial(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"binary_metadata","dataType":"audio","size":8}`)))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{5, 6, 7, 8}))

	got := f.waitMessages(t, 2)
	require.Len(t, got, 2)
	require.Equal(t, protocol.TypeBinaryMetadata, got[0].Message.Type)
	require.Equal(t, protocol.TypeAudioData, got[1].Message.Type)
	require.Equal(t, welcome.ConnectionID, got[1].ConnectionID)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got[1].Binary)
	require.False(t, f.codec.Pending(welcome.ConnectionID, framing.Inbound))
}

func TestJSONInBinaryFrameIsControlMessage(t *testing.T) {
	f := newFixture(t)
	client, _ := f.dial(t)

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"start_ai_session"}`)))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x00, 0x10}))

	got := f.waitMessages(t, 2)
	require.Equal(t, protocol.TypeStartAISession, got[0].Message.Type)
	require.Nil(t, got[0].Binary)
	require.Equal(t, protocol.TypeBinary, got[1].Message.Type)
	require.Equal(t, []byte{0xff, 0x00, 0x10}, got[1].Binary)
}

func TestInvalidTextReportsError(t *testing.T) {
	f := newFixture(t)
	client, _ := f.dial(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readMessage(t, client)
	require.Equal(t, protocol.TypeError, msg.Type)
	require.Equal(t, "Invalid message format", msg.Message)
	require.Empty(t, f.recorder.messages())
}

func TestInvalidTransferSizeIsRejected(t *testing.T) {
	f := newFixture(t)
	client, welcome := f.dial(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"binary_metadata","size":-5}`)))
	msg := readMessage(t, client)
	require.Equal(t, protocol.TypeError, msg.Type)
	require.False(t, f.codec.Pending(welcome.ConnectionID, framing.Inbound))
	require.Empty(t, f.recorder.messages())
}

func TestClientCloseRemovesConnection(t *testing.T) {
	f := newFixture(t)
	client, welcome := f.dial(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"binary_metadata","size":100}`)))
	require.Eventually(t, func() bool {
		return f.codec.Pending(welcome.ConnectionID, framing.Inbound)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		return !f.dispatcher.Registry().Exists(welcome.ConnectionID)
	}, 2*time.Second, 10*time.Millisecond)
	require.False(t, f.codec.Pending(welcome.ConnectionID, framing.Inbound))
}
