package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil, logger.NewForTesting())
	require.NoError(t, hub.Start())
	t.Cleanup(hub.Stop)

	handler := NewHandler(hub, []string{"*"}, logger.NewForTesting())
	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gws.Conn) *Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := ParseMessage(data)
	require.NoError(t, err)
	return msg
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.GetClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func execution(ruleID uuid.UUID, status models.ExecutionStatus) *models.Execution {
	subject := "rec-1"
	return &models.Execution{
		ID:          uuid.New(),
		RuleID:      ruleID,
		RuleVersion: 2,
		SubjectID:   &subject,
		TriggerType: models.TriggerRecordCreated,
		Status:      status,
	}
}

func TestHub_StreamsExecutionUpdates(t *testing.T) {
	hub, srv := startHub(t)
	ruleID := uuid.New()
	watched := execution(ruleID, models.ExecutionStatusRunning)
	other := execution(ruleID, models.ExecutionStatusRunning)

	filtered := dial(t, srv, "?execution_id="+watched.ID.String())
	all := dial(t, srv, "")
	waitForClients(t, hub, 2)

	hub.ExecutionUpdated(other)
	hub.ExecutionUpdated(watched)
	hub.LogEntryAppended(&models.ExecutionLogEntry{
		ID:          uuid.New(),
		ExecutionID: watched.ID,
		Attempt:     1,
		StepIndex:   0,
		ActionType:  models.ActionSendEmail,
		Status:      models.LogStatusSuccess,
		Output:      models.JSONB{"message": "sent"},
		DurationMs:  12,
		CreatedAt:   time.Now(),
	})

	first := readMessage(t, filtered)
	assert.Equal(t, MessageTypeExecutionUpdated, first.Type)
	var data ExecutionEventData
	require.NoError(t, json.Unmarshal(first.Data, &data))
	assert.Equal(t, watched.ID.String(), data.ExecutionID)
	assert.Equal(t, ruleID.String(), data.RuleID)
	assert.Equal(t, "rec-1", data.SubjectID)
	assert.Equal(t, "running", data.Status)
	assert.Equal(t, 2, data.RuleVersion)

	second := readMessage(t, filtered)
	assert.Equal(t, MessageTypeExecutionLog, second.Type)
	var logData LogEventData
	require.NoError(t, json.Unmarshal(second.Data, &logData))
	assert.Equal(t, watched.ID.String(), logData.ExecutionID)
	assert.Equal(t, "send_email", logData.ActionType)
	assert.Equal(t, "sent", logData.Output["message"])

	var ids []string
	for i := 0; i < 2; i++ {
		m := readMessage(t, all)
		require.NoError(t, json.Unmarshal(m.Data, &data))
		ids = append(ids, data.ExecutionID)
	}
	assert.Equal(t, []string{other.ID.String(), watched.ID.String()}, ids)
}

func TestHub_SubscribeMessages(t *testing.T) {
	hub, srv := startHub(t)
	ruleID := uuid.New()

	conn := dial(t, srv, "?execution_id=none")
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "subscribe",
		"data": map[string]interface{}{
			"channel": "rules:" + ruleID.String(),
			"filters": map[string]interface{}{"statuses": []string{"failed"}},
		},
	}))
	assert.Equal(t, MessageTypeSubscribed, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "subscribe",
		"data": map[string]interface{}{"channel": "subjects:123"},
	}))
	errMsg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, errMsg.Type)
	assert.Contains(t, string(errMsg.Data), "INVALID_SUBSCRIPTION")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)

	hub.ExecutionUpdated(execution(ruleID, models.ExecutionStatusRunning))
	failed := execution(ruleID, models.ExecutionStatusFailed)
	hub.ExecutionUpdated(failed)

	got := readMessage(t, conn)
	var data ExecutionEventData
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, failed.ID.String(), data.ExecutionID)
	assert.Equal(t, "failed", data.Status)
}

func TestHub_StopDisconnectsClients(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	hub.Stop()
	hub.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.GetClientCount())

	// updates after stop are dropped
	hub.ExecutionUpdated(execution(uuid.New(), models.ExecutionStatusRunning))

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_ReceiveRemoteSkipsOwnPublications(t *testing.T) {
	hub := NewHub(nil, logger.NewForTesting())
	defer hub.Stop()

	msg, err := NewMessage(MessageTypeExecutionUpdated, map[string]string{"execution_id": "e1"})
	require.NoError(t, err)

	own, _ := json.Marshal(&envelope{Origin: hub.instanceID, Message: msg, ExecutionID: "e1"})
	hub.receiveRemote(string(own))
	assert.Len(t, hub.broadcast, 0)

	foreign, _ := json.Marshal(&envelope{Origin: "other-instance", Message: msg, ExecutionID: "e1"})
	hub.receiveRemote(string(foreign))
	assert.Len(t, hub.broadcast, 1)

	hub.receiveRemote("{not json")
	assert.Len(t, hub.broadcast, 1)
}

func TestClient_Wants(t *testing.T) {
	c := &Client{subscriptions: map[string]Filters{
		"executions:e1":   {},
		"rules:r1":        {Statuses: []string{"failed"}},
		ChannelExecutions: {RuleIDs: []string{"r2"}},
	}}

	tests := []struct {
		name string
		env  envelope
		want bool
	}{
		{name: "execution channel", env: envelope{ExecutionID: "e1", RuleID: "r9", Status: "running"}, want: true},
		{name: "rule channel status match", env: envelope{ExecutionID: "e2", RuleID: "r1", Status: "failed"}, want: true},
		{name: "rule channel status mismatch", env: envelope{ExecutionID: "e2", RuleID: "r1", Status: "running"}, want: false},
		{name: "rule channel log entry", env: envelope{ExecutionID: "e2", RuleID: "r1"}, want: true},
		{name: "all channel rule filter", env: envelope{ExecutionID: "e3", RuleID: "r2", Status: "running"}, want: true},
		{name: "nothing matches", env: envelope{ExecutionID: "e4", RuleID: "r3", Status: "running"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := tt.env
			assert.Equal(t, tt.want, c.wants(&env))
		})
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://ops.example.com", "localhost:3000"})

	req := httptest.NewRequest(http.MethodGet, "/ws/executions", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://ops.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}
