package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rendezvous/internal/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	srv         *Server
	addr        string
	disconnects chan string
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := DefaultServerConfig()
	cfg.Heartbeat.Interval = 0

	d := NewMessageDispatcher()
	d.Register(protocol.TypeJoinRoom, func(conn *Connection, msg interface{}) {
		m := msg.(protocol.JoinRoomMsg)
		send(conn, protocol.TypeRoomLeft, protocol.RoomLeftMsg{RoomID: m.RoomID})
	})

	srv := NewServer(cfg, d.Dispatch)
	srv.SetOnConnect(func(c *Connection) {
		send(c, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: c.ID})
	})
	ts := &testServer{srv: srv, disconnects: make(chan string, 4)}
	srv.SetOnDisconnect(func(id string) { ts.disconnects <- id })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts.addr = ln.Addr().String()
	go func() { _ = srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return ts
}

type testClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws")
	require.NoError(t, err)

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &testClient{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *testClient) write(t *testing.T, s string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.rw, []byte(s)))
}

func (c *testClient) read(t *testing.T) map[string]interface{} {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		data, op, err := wsutil.ReadServerData(c.rw)
		require.NoError(t, err)
		if op != ws.OpText {
			continue
		}
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	}
}

func TestServer_SessionPingAndErrors(t *testing.T) {
	ts := startTestServer(t)
	c := dial(t, ts.addr)
	defer c.conn.Close()

	created := c.read(t)
	assert.Equal(t, protocol.TypeSessionCreated, created["type"])
	assert.NotEmpty(t, created["sessionId"])

	c.write(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, c.read(t)["type"])

	c.write(t, `{"type":"teleport"}`)
	errMsg := c.read(t)
	assert.Equal(t, protocol.TypeError, errMsg["type"])
	assert.Equal(t, protocol.CodeUnsupportedType, errMsg["code"])

	c.write(t, `{"type":"join-room"}`)
	errMsg = c.read(t)
	assert.Equal(t, protocol.CodeInvalidPayload, errMsg["code"])

	c.write(t, `{"type":"join-room","roomId":"r1"}`)
	routed := c.read(t)
	assert.Equal(t, protocol.TypeRoomLeft, routed["type"])
	assert.Equal(t, "r1", routed["roomId"])
}

func TestServer_DisconnectRunsCallbackOnce(t *testing.T) {
	ts := startTestServer(t)
	c := dial(t, ts.addr)

	id := c.read(t)["sessionId"].(string)
	require.Equal(t, 1, ts.srv.Connections().Count())
	conn := ts.srv.Connections().Get(id)
	require.NotNil(t, conn)

	require.NoError(t, c.conn.Close())

	select {
	case got := <-ts.disconnects:
		assert.Equal(t, id, got)
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect callback not called")
	}

	// A second removal of the same connection is ignored.
	ts.srv.RemoveConnection(conn)
	select {
	case got := <-ts.disconnects:
		t.Fatalf("unexpected second disconnect for %s", got)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, ts.srv.Connections().Count())
	assert.False(t, ts.srv.Send(id, []byte(`{}`)))
}

func TestConnection_SendAfterClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := newConnection("c1", server, 1, 0)
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.False(t, c.Send([]byte("x")))
	assert.NoError(t, c.Close())
}

func TestConnection_SendQueueFull(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	// No writer goroutine: the queue fills up.
	c := newConnection("c1", server, 2, 0)
	assert.True(t, c.Send([]byte("a")))
	assert.True(t, c.Send([]byte("b")))
	assert.False(t, c.Send([]byte("c")))
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a, _ := net.Pipe()
	b, _ := net.Pipe()
	ca := newConnection("a", a, 1, 0)
	cb := newConnection("b", b, 1, 0)

	cm.Add(ca)
	cm.Add(cb)
	cm.Add(ca)
	assert.Equal(t, 2, cm.Count())
	assert.Same(t, ca, cm.Get("a"))
	assert.Same(t, cb, cm.GetByConn(b))

	assert.True(t, cm.Remove("a"))
	assert.False(t, cm.Remove("a"))
	assert.Nil(t, cm.GetByConn(a))
	assert.Equal(t, 1, cm.Count())
	assert.Len(t, cm.All(), 1)
}

func TestServer_AdmitRejectsUpgrade(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Heartbeat.Interval = 0
	srv := NewServer(cfg, NewMessageDispatcher().Dispatch)
	srv.SetAdmit(func(string) bool { return false })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, _, err = ws.Dial(ctx, "ws://"+ln.Addr().String()+"/ws")
	require.Error(t, err)
	assert.Equal(t, 0, srv.Connections().Count())
}
