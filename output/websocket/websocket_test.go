package websocket_test

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/event"
	"github.com/xonfour/horizont-sub000/output/websocket"
	"github.com/xonfour/horizont-sub000/pkg/tlsutil"
	"github.com/xonfour/horizont-sub000/testutil"
)

func endpoint(t *testing.T, out *websocket.Output, path string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(out.Addr())
	require.NoError(t, err)
	return "ws://127.0.0.1:" + port + path
}

type OutputSuite struct {
	suite.Suite
	calls  *testutil.FakeControlCalls
	output *websocket.Output
}

func TestOutputSuite(t *testing.T) {
	suite.Run(t, new(OutputSuite))
}

func (s *OutputSuite) SetupTest() {
	cfg, err := websocket.ParseConfig(component.Properties{"port": "0", "path": "/ws", "categories": "state,module"})
	s.Require().NoError(err)
	s.calls = testutil.NewFakeControlCalls(component.StateStoppedReady)
	s.output = websocket.New("ws1", cfg, nil, nil)
	s.Require().NoError(s.output.Startup(context.Background(), s.calls))
}

func (s *OutputSuite) TearDownTest() {
	s.Require().NoError(s.output.Shutdown(context.Background()))
}

func (s *OutputSuite) dial() *gws.Conn {
	before := s.output.ClientCount()
	conn, _, err := gws.DefaultDialer.Dial(endpoint(s.T(), s.output, "/ws"), nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })
	s.Require().Eventually(func() bool {
		return s.output.ClientCount() == before+1
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func (s *OutputSuite) read(conn *gws.Conn) websocket.MessageEnvelope {
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	var env websocket.MessageEnvelope
	s.Require().NoError(conn.ReadJSON(&env))
	return env
}

func (s *OutputSuite) TestBroadcastsEvents() {
	a, b := s.dial(), s.dial()

	ev := event.NewStateChange(component.StateStoppedReady, component.StateStartingUp)
	s.calls.Emit(ev)
	s.calls.Emit(event.NewLogEntry(0, "ignored", nil))

	for _, conn := range []*gws.Conn{a, b} {
		env := s.read(conn)
		s.Equal(websocket.TypeEvent, env.Type)
		s.Equal(ev.ID.String(), env.ID)

		var rec struct {
			Category string `json:"category"`
			Type     string `json:"type"`
		}
		s.Require().NoError(json.Unmarshal(env.Payload, &rec))
		s.Equal("state", rec.Category)
		s.Equal("StateChange", rec.Type)
	}
}

func (s *OutputSuite) TestAnswersRequests() {
	conn := s.dial()
	s.calls.SetState(component.StateRunning)

	s.Require().NoError(conn.WriteJSON(websocket.MessageEnvelope{Type: websocket.TypeState, ID: "q1"}))
	env := s.read(conn)
	s.Equal(websocket.TypeState, env.Type)
	s.Equal("q1", env.ID)
	var state websocket.StatePayload
	s.Require().NoError(json.Unmarshal(env.Payload, &state))
	s.Equal("RUNNING", state.State)

	s.Require().NoError(conn.WriteJSON(websocket.MessageEnvelope{Type: websocket.TypePing, ID: "p1"}))
	env = s.read(conn)
	s.Equal(websocket.TypePong, env.Type)
	s.Equal("p1", env.ID)

	s.Require().NoError(conn.WriteJSON(websocket.MessageEnvelope{Type: "bogus", ID: "x"}))
	s.Equal(websocket.TypeError, s.read(conn).Type)
}

func (s *OutputSuite) TestClientDisconnectIsForgotten() {
	conn := s.dial()
	s.Require().NoError(conn.Close())
	s.Eventually(func() bool { return s.output.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	cfg, err := websocket.ParseConfig(component.Properties{"port": "0"})
	require.NoError(t, err)
	calls := testutil.NewFakeControlCalls(component.StateStoppedReady)
	out := websocket.New("ws2", cfg, nil, nil)
	require.NoError(t, out.Startup(context.Background(), calls))
	assert.Error(t, out.Startup(context.Background(), calls), "already started")

	conn, _, err := gws.DefaultDialer.Dial(endpoint(t, out, "/events"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return out.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, out.Shutdown(context.Background()))
	assert.Equal(t, 0, out.ClientCount())
	assert.Equal(t, 0, calls.Listeners())
	assert.Empty(t, out.Addr())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	require.NoError(t, out.Startup(context.Background(), calls), "restartable")
	require.NoError(t, out.Shutdown(context.Background()))
}

func TestParseConfig(t *testing.T) {
	cfg, err := websocket.ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, "/events", cfg.Path)

	_, err = websocket.ParseConfig(component.Properties{"port": "70000"})
	assert.Error(t, err)
	_, err = websocket.ParseConfig(component.Properties{"port": "x"})
	assert.Error(t, err)
	_, err = websocket.ParseConfig(component.Properties{"path": "events"})
	assert.Error(t, err)
}

func TestServesTLS(t *testing.T) {
	certFile, keyFile := testutil.WriteSelfSignedCert(t, "events")
	cfg, err := websocket.ParseConfig(component.Properties{
		"port": "0", "tls.cert_file": certFile, "tls.key_file": keyFile,
	})
	require.NoError(t, err)
	out := websocket.New("wss", cfg, nil, nil)
	calls := testutil.NewFakeControlCalls(component.StateRunning)
	require.NoError(t, out.Startup(context.Background(), calls))
	defer out.Shutdown(context.Background())

	clientTLS, err := tlsutil.LoadClientTLSConfig(tlsutil.ClientConfig{CAFiles: []string{certFile}})
	require.NoError(t, err)
	dialer := gws.Dialer{TLSClientConfig: clientTLS, HandshakeTimeout: 2 * time.Second}

	url := "wss" + strings.TrimPrefix(endpoint(t, out, "/events"), "ws")
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(websocket.MessageEnvelope{Type: websocket.TypeState, ID: "1"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env websocket.MessageEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, websocket.TypeState, env.Type)

	_, _, err = gws.DefaultDialer.Dial(endpoint(t, out, "/events"), nil)
	assert.Error(t, err, "plain connections are refused")
}
