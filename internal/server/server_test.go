package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moli-green/signal/internal/admission"
	"github.com/moli-green/signal/internal/room"
	"github.com/moli-green/signal/internal/turncred"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(allowedOrigin string) (*httptest.Server, *room.Registry) {
	ctrl := admission.NewController(allowedOrigin)
	rooms := room.NewRegistry()
	issuer := turncred.NewIssuer("s")
	srv := New(ctrl, rooms, issuer, "", zap.NewNop())
	return httptest.NewServer(srv.Handler()), rooms
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readIdentity(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f struct {
		Type     string `json:"type"`
		SenderID string `json:"senderId"`
	}
	require.NoError(t, json.Unmarshal(data, &f))
	require.Equal(t, "identity", f.Type)
	return f.SenderID
}

func TestIceConfigEndpoint(t *testing.T) {
	srv, _ := newTestServer("")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/ice-config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg turncred.Config
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	require.Len(t, cfg.IceServers, 2)
}

func TestHealthzEndpoint(t *testing.T) {
	srv, _ := newTestServer("")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestThreePeerFanOut(t *testing.T) {
	srv, _ := newTestServer("")
	defer srv.Close()

	a := dialWS(t, srv)
	defer a.Close()
	b := dialWS(t, srv)
	defer b.Close()
	c := dialWS(t, srv)
	defer c.Close()

	aID := readIdentity(t, a)
	readIdentity(t, b)
	readIdentity(t, c)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"t":"hello"}`)))

	for _, peer := range []*websocket.Conn{b, c} {
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := peer.ReadMessage()
		require.NoError(t, err)
		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, aID, got["senderId"])
		require.Equal(t, "hello", got["t"])
	}

	a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := a.ReadMessage()
	require.Error(t, err)
}

func TestOriginForbidden(t *testing.T) {
	srv, _ := newTestServer("https://moli-green.is")
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRoomSpillAtCapacity(t *testing.T) {
	srv, rooms := newTestServer("")
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conns := make([]*websocket.Conn, 0, room.Capacity+1)
	for i := 0; i < room.Capacity+1; i++ {
		// A distinct forwarded address per peer keeps each one under the
		// per-IP ceiling and in its own upgrade-rate bucket.
		header := http.Header{"X-Forwarded-For": {fmt.Sprintf("10.0.%d.%d", i/256, i%256)}}
		conn, _, err := websocket.DefaultDialer.Dial(url, header)
		require.NoError(t, err, "connection %d should succeed", i)
		readIdentity(t, conn)
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	require.Eventually(t, func() bool {
		return rooms.RoomCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

// TestHardRateLimitDisconnectsSenderAfter51Messages exercises spec.md
// §8 scenario 4 end to end over real WebSocket connections: A sends 51
// valid messages inside one second, the 51st closes A's session, and B
// and C each receive exactly 10 content frames from A followed by A's
// leave frame.
func TestHardRateLimitDisconnectsSenderAfter51Messages(t *testing.T) {
	srv, _ := newTestServer("")
	defer srv.Close()

	a := dialWS(t, srv)
	defer a.Close()
	b := dialWS(t, srv)
	defer b.Close()
	c := dialWS(t, srv)
	defer c.Close()

	readIdentity(t, a)
	readIdentity(t, b)
	readIdentity(t, c)

	for i := 0; i < 51; i++ {
		require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"t":"m%d"}`, i))))
	}

	for _, peer := range []*websocket.Conn{b, c} {
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))

		contentFrames := 0
		sawLeave := false
		for !sawLeave {
			_, data, err := peer.ReadMessage()
			require.NoError(t, err)

			var frame map[string]any
			require.NoError(t, json.Unmarshal(data, &frame))
			if frame["type"] == "leave" {
				sawLeave = true
				continue
			}
			contentFrames++
		}
		require.Equal(t, 10, contentFrames, "peer should see exactly the 10 warn-threshold content frames")
	}

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	require.Error(t, err, "A's session should have been closed server-side by the hard rate limit")
}

// TestPerIPCapRealConnections exercises spec.md §8 scenario 5 end to
// end: from one IP, 10 simultaneous connections succeed, the 11th
// upgrade returns 429, and after any of the ten closes, an 11th
// succeeds.
func TestPerIPCapRealConnections(t *testing.T) {
	srv, _ := newTestServer("")
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conns := make([]*websocket.Conn, 0, admission.MaxConnsPerIP)
	for i := 0; i < admission.MaxConnsPerIP; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err, "connection %d should succeed", i)
		readIdentity(t, conn)
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	conns[0].Close()

	// require.Eventually runs its condition in its own goroutine, so it
	// must not call t.Fatal-style helpers (readIdentity does); signal
	// success/failure through return values instead.
	require.Eventually(t, func() bool {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return false
		}
		var f struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &f) != nil || f.Type != "identity" {
			conn.Close()
			return false
		}
		conns[0] = conn
		return true
	}, 2*time.Second, 10*time.Millisecond, "an 11th connection should succeed once one of the ten closes")
}
