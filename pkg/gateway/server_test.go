package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averin/strand/pkg/orchestrator"
	"github.com/averin/strand/pkg/state"
	"github.com/averin/strand/pkg/storage"
	"github.com/averin/strand/pkg/transcript"
)

const testSecret = "test-secret"

type scriptedPipeline struct {
	script func(ctx context.Context, req orchestrator.Request, s *orchestrator.Stream)
}

func (p *scriptedPipeline) Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Stream, error) {
	s := orchestrator.NewStream()
	go p.script(ctx, req, s)
	return s, nil
}

func newTestServer(t *testing.T, pipeline orchestrator.Pipeline) (*Server, *state.Store) {
	t.Helper()

	states, err := state.NewStore(state.Config{Backend: storage.NewMemoryBackend(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	transcripts, err := transcript.NewLog(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	orch, err := orchestrator.New(orchestrator.Config{
		States:   states,
		Pipeline: pipeline,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	s, err := NewServer(Config{
		Port:         18080,
		SharedSecret: testSecret,
		Runner:       orch,
		States:       states,
		Transcripts:  transcripts,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return s, states
}

// dialAuthenticated connects over the test HTTP server and completes the
// challenge-response handshake.
func dialAuthenticated(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	h := hmac.New(sha256.New, []byte(testSecret))
	h.Write([]byte(challenge.Challenge))
	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: hex.EncodeToString(h.Sum(nil)),
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success)

	return conn
}

func TestAuthHandlerChallengeResponse(t *testing.T) {
	a := NewAuthHandler("s3cret")

	challenge, err := a.GenerateChallenge()
	require.NoError(t, err)
	assert.Len(t, challenge, 64)

	h := hmac.New(sha256.New, []byte("s3cret"))
	h.Write([]byte(challenge))
	good := hex.EncodeToString(h.Sum(nil))

	assert.True(t, a.VerifySignature(challenge, good))
	assert.False(t, a.VerifySignature(challenge, "bogus"))
}

func TestAuthHandlerBlocksAfterRepeatedFailures(t *testing.T) {
	a := NewAuthHandler("s3cret")
	client := &Client{Challenge: "c"}

	for i := 0; i < maxAuthAttempts-1; i++ {
		result := a.HandleAuthResponse(client, "wrong")
		assert.False(t, result.Success)
		assert.Equal(t, "Invalid signature", result.Message)
	}

	result := a.HandleAuthResponse(client, "wrong")
	assert.False(t, result.Success)
	assert.Equal(t, "Too many failed attempts", result.Message)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	s, _ := newTestServer(t, &scriptedPipeline{})

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "ping"}))

	var resp RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, AuthenticationRequired, resp.Error.Code)
}

func TestTurnRunStreamsEvents(t *testing.T) {
	pipeline := &scriptedPipeline{script: func(ctx context.Context, req orchestrator.Request, st *orchestrator.Stream) {
		st.Emit(ctx, orchestrator.StreamEvent{Type: orchestrator.EventTextDelta, Text: "hel"})
		st.Emit(ctx, orchestrator.StreamEvent{Type: orchestrator.EventTextDelta, Text: "lo"})
		st.Close(state.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	}}
	s, states := newTestServer(t, pipeline)
	conn := dialAuthenticated(t, s)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "req-1",
		Method: "turn.run",
		Params: map[string]interface{}{
			"session_id": "s1",
			"messages":   []map[string]interface{}{{"role": "user", "content": "hi"}},
			"agent":      map[string]interface{}{"provider": "scripted", "model": "m"},
		},
	}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frames []EventMessage
	var final RPCResponse
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var probe map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &probe))
		if _, isEvent := probe["event"]; isEvent {
			var frame EventMessage
			require.NoError(t, json.Unmarshal(raw, &frame))
			frames = append(frames, frame)
			continue
		}
		require.NoError(t, json.Unmarshal(raw, &final))
		break
	}

	// Two text deltas plus the terminal done event, strictly sequenced.
	require.Len(t, frames, 3)
	for i, frame := range frames {
		assert.Equal(t, "turn.event", frame.Event)
		assert.Equal(t, "req-1", frame.RequestID)
		assert.Equal(t, int64(i+1), frame.Seq)
		assert.Equal(t, "s1", frame.SessionID)
	}

	assert.Equal(t, "req-1", final.ID)
	require.Nil(t, final.Error)
	result := final.Result.(map[string]interface{})
	assert.Equal(t, "s1", result["session_id"])
	usage := result["usage"].(map[string]interface{})
	assert.Equal(t, float64(15), usage["total_tokens"])

	st, err := states.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 15, st.CumulativeTokenUsage.TotalTokens)
}

func TestSessionResetClearsState(t *testing.T) {
	s, states := newTestServer(t, &scriptedPipeline{})
	conn := dialAuthenticated(t, s)

	require.NoError(t, states.EnsureStateExists(context.Background(), "s1"))
	_, err := states.Update(context.Background(), "s1", state.Delta{
		Usage: &state.TokenUsage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
	})
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "req-2",
		Method: "session.reset",
		Params: map[string]interface{}{"session_id": "s1"},
	}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Nil(t, resp.Error)

	st, err := states.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.CumulativeTokenUsage.TotalTokens)
}

func TestUnknownMethod(t *testing.T) {
	s, _ := newTestServer(t, &scriptedPipeline{})
	conn := dialAuthenticated(t, s)

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "req-3", Method: "teleport"}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestSessionStateNotFound(t *testing.T) {
	s, _ := newTestServer(t, &scriptedPipeline{})
	conn := dialAuthenticated(t, s)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "req-4",
		Method: "session.state",
		Params: map[string]interface{}{"session_id": "ghost"},
	}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "ghost")
}
