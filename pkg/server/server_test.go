package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lifeos-nexus/council/internal/config"
	"github.com/lifeos-nexus/council/internal/store"
	"github.com/lifeos-nexus/council/pkg/models"
	"github.com/lifeos-nexus/council/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Host:              "127.0.0.1",
		Port:              0,
		Version:           "test",
		StoreKind:         "sqlite",
		DBPath:            filepath.Join(t.TempDir(), "council.db"),
		RetainCount:       50,
		DefaultTimeout:    5 * time.Second,
		MaxTimeout:        10 * time.Second,
		ProxyTimeout:      time.Second,
		AllowedOrigins:    []string{"*"},
		MaxMessageBytes:   1 << 20,
		JanitorInterval:   time.Hour,
		ShutdownTimeout:   2 * time.Second,
		HeartbeatInterval: 0,
	}
}

func startManager(t *testing.T, cfg *config.Config) *server.Manager {
	t.Helper()
	m := server.NewManager(cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		m.Stop()
		<-m.Done()
	})
	return m
}

func TestManager_StartStop(t *testing.T) {
	m := server.NewManager(testConfig(t))

	st := m.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.UptimeMs)

	// Stopping a stopped server is a no-op.
	m.Stop()
	assert.Equal(t, server.StateStopped, m.State())

	require.NoError(t, m.Start(context.Background()))
	st = m.Status()
	assert.True(t, st.Running)
	assert.NotZero(t, st.Port)
	assert.False(t, st.ExtensionConnected)
	require.NotNil(t, st.UptimeMs)
	assert.GreaterOrEqual(t, *st.UptimeMs, int64(0))

	addr := m.Addr()
	err := m.Start(context.Background())
	assert.ErrorIs(t, err, server.ErrAlreadyRunning)
	assert.Equal(t, addr, m.Addr(), "second start must not replace the running instance")

	m.Stop()
	m.Stop()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, m.Status().Running)
	assert.Equal(t, "", m.Addr())
	assert.NoError(t, m.Err())

	// A stopped manager can start again.
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Status().Running)
	m.Stop()
	<-m.Done()
}

func TestManager_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Port = ln.Addr().(*net.TCPAddr).Port

	m := server.NewManager(cfg)
	err = m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind")
	assert.False(t, m.Status().Running)
	assert.Equal(t, server.StateStopped, m.State())
}

func TestManager_RecoversOrphanedRows(t *testing.T) {
	cfg := testConfig(t)

	s, err := store.NewSQLiteStore(cfg.DBPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Save(ctx, "left-behind", "q", models.DefaultTier))
	require.NoError(t, s.MarkProcessing(ctx, "left-behind"))
	require.NoError(t, s.Close())

	m := startManager(t, cfg)

	resp, err := http.Get(fmt.Sprintf("http://%s/requests/left-behind", m.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var row models.CouncilRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&row))
	assert.Equal(t, models.StatusError, row.Status)
	assert.Equal(t, "Server restarted before completion", row.Error)
}

func TestManager_PromptWithoutExtension(t *testing.T) {
	m := startManager(t, testConfig(t))
	base := "http://" + m.Addr()

	resp, err := http.Post(base+"/prompt", "application/json",
		strings.NewReader(`{"query":"Is P=NP?","tier":"deep","timeout":5000}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"success":false,"error":"Extension not connected","errorCode":"NO_EXTENSION"}`, string(body))

	resp, err = http.Get(base + "/requests")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `[]`, string(body))
}

func TestManager_PromptRoundTrip(t *testing.T) {
	m := startManager(t, testConfig(t))
	base := "http://" + m.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+m.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	require.Eventually(t, func() bool { return m.Status().ExtensionConnected },
		2*time.Second, 10*time.Millisecond)

	// Fake extension: answer the first council request.
	go func() {
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var msg struct {
				Type    string `json:"type"`
				Payload struct {
					RequestID string `json:"requestId"`
					Query     string `json:"query"`
					Tier      string `json:"tier"`
				} `json:"payload"`
			}
			if json.Unmarshal(data, &msg) != nil || msg.Type != "council_request" {
				continue
			}
			reply := fmt.Sprintf(`{"type":"council_response","payload":{"requestId":%q,"success":true,`+
				`"stage3":[{"model":"gpt-5","llmType":"openai","response":"Open problem."}]}}`, msg.Payload.RequestID)
			if err := ws.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
				return
			}
		}
	}()

	resp, err := http.Post(base+"/prompt", "application/json",
		strings.NewReader(`{"query":"Is P=NP?","tier":"deep","timeout":5000}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.PromptResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	require.Len(t, out.Stage3, 1)
	assert.Equal(t, "Open problem.", out.Stage3[0].Response)
	require.NotNil(t, out.Duration)
	assert.GreaterOrEqual(t, *out.Duration, int64(0))
	assert.LessOrEqual(t, *out.Duration, int64(5000))

	got, err := http.Get(base + "/requests/" + out.RequestID)
	require.NoError(t, err)
	defer got.Body.Close()
	var row models.CouncilRequest
	require.NoError(t, json.NewDecoder(got.Body).Decode(&row))
	assert.Equal(t, models.StatusCompleted, row.Status)
	assert.Equal(t, "deep", row.Tier)
}

func TestManager_StopClosesExtensionSocket(t *testing.T) {
	m := server.NewManager(testConfig(t))
	require.NoError(t, m.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+m.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	require.Eventually(t, func() bool { return m.Status().ExtensionConnected },
		2*time.Second, 10*time.Millisecond)

	m.Stop()
	_, _, err = ws.Read(ctx)
	require.Error(t, err)

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
