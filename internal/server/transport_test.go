package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/quotesource/internal/quotes/csvsource"
	"github.com/caesar-terminal/quotesource/internal/wire"
)

func newTransportServer(t *testing.T) (*WSTransport, *httptest.Server) {
	t.Helper()
	tr := NewWSTransport(DefaultWSConfig(), nil)
	srv := httptest.NewServer(tr)
	t.Cleanup(func() {
		tr.Close()
		srv.Close()
	})
	return tr, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	return msg
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd Command) {
	t.Helper()
	body, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.EncodeControl(body)))
}

func TestWSTransport_DeliversFrames(t *testing.T) {
	tr, srv := newTransportServer(t)

	connected := make(chan string, 1)
	tr.onConnect = func(peer string) { connected <- peer }

	conn := dial(t, srv)
	var peer string
	select {
	case peer = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("peer never registered")
	}
	assert.Equal(t, 1, tr.Peers())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.EncodeCredit()))

	select {
	case in := <-tr.Inbound():
		assert.Equal(t, peer, in.Peer)
		assert.Equal(t, wire.EncodeCredit(), in.Payload)
		assert.False(t, in.Disconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound frame")
	}

	require.NoError(t, tr.Send(peer, []byte{0xAA, 0xBB}))
	assert.Equal(t, []byte{0xAA, 0xBB}, readBinary(t, conn))
}

func TestWSTransport_ReportsDisconnect(t *testing.T) {
	tr, srv := newTransportServer(t)

	connected := make(chan string, 1)
	tr.onConnect = func(peer string) { connected <- peer }

	conn := dial(t, srv)
	peer := <-connected
	conn.Close()

	select {
	case in := <-tr.Inbound():
		assert.Equal(t, Inbound{Peer: peer, Disconnected: true}, in)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect notice")
	}
	assert.Equal(t, 0, tr.Peers())
	assert.ErrorIs(t, tr.Send(peer, []byte{1}), ErrUnknownPeer)
}

func TestWSTransport_CloseDisconnectsPeers(t *testing.T) {
	tr, srv := newTransportServer(t)

	connected := make(chan string, 1)
	tr.onConnect = func(peer string) { connected <- peer }
	conn := dial(t, srv)
	<-connected

	tr.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, tr.Peers())
}

func TestWSTransport_EndToEnd(t *testing.T) {
	tr, srv := newTransportServer(t)
	loop := NewEventLoop(tr, Options{
		ExchangeID:       "EXCH",
		Loader:           csvsource.NewLoader(),
		PollInterval:     10 * time.Millisecond,
		ReapOnDisconnect: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	conn := dial(t, srv)
	sendCommand(t, conn, Command{Command: CommandStart, Src: []string{dailyFixture}, To: "2006-02-01"})

	var reply Reply
	msg := readBinary(t, conn)
	require.Equal(t, wire.TagControl, msg[0])
	require.NoError(t, json.Unmarshal(msg[1:], &reply))
	require.Equal(t, ResultSuccess, reply.Result)

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.EncodeCredit()))
	}

	want := []time.Time{
		time.Date(2006, 1, 23, 0, 0, 0, 0, time.UTC),
		time.Date(2006, 1, 24, 0, 0, 0, 0, time.UTC),
		time.Date(2006, 1, 25, 0, 0, 0, 0, time.UTC),
	}
	for _, ts := range want {
		tag, payload, err := wire.DecodeData(readBinary(t, conn))
		require.NoError(t, err)
		assert.Equal(t, "EXCH:GAZP", tag)
		f, err := wire.Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, ts, f.Time)
	}

	sendCommand(t, conn, Command{Command: CommandShutdown})
	msg = readBinary(t, conn)
	require.NoError(t, json.Unmarshal(msg[1:], &reply))
	assert.Equal(t, ResultSuccess, reply.Result)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after shutdown")
	}
}

func TestWSTransport_CloseFlushesShutdownReply(t *testing.T) {
	for i := 0; i < 20; i++ {
		tr, srv := newTransportServer(t)
		loop := NewEventLoop(tr, Options{ExchangeID: "EXCH", Loader: csvsource.NewLoader()})
		go loop.Run(context.Background())

		conn := dial(t, srv)
		sendCommand(t, conn, Command{Command: CommandShutdown})

		select {
		case <-loop.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop after shutdown")
		}
		// Same order as the server binary: the loop has returned, the
		// transport is closed straight away.
		tr.Close()

		msg := readBinary(t, conn)
		require.Equal(t, wire.TagControl, msg[0], "run %d", i)
		var reply Reply
		require.NoError(t, json.Unmarshal(msg[1:], &reply))
		assert.Equal(t, ResultSuccess, reply.Result, "run %d", i)

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "run %d: got %v", i, err)
	}
}
