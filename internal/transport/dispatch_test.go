package transport_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/lifeos-nexus/council/internal/registry"
	"github.com/lifeos-nexus/council/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(t *testing.T) (*registry.Registry, *registry.Connection, *transport.Dispatcher) {
	t.Helper()
	reg := registry.New()
	conn := registry.NewConnection()
	_, err := reg.SetConnection(conn)
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return reg, conn, transport.NewDispatcher(reg)
}

func nextFrame(t *testing.T, conn *registry.Connection) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := conn.Outbound().Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestDispatcher_PingAnswersPong(t *testing.T) {
	_, conn, d := newDispatcher(t)
	d.Handle(conn, []byte(`{"type":"ping"}`))
	assert.JSONEq(t, `{"type":"pong"}`, nextFrame(t, conn))
}

func TestDispatcher_CouncilResponseResolves(t *testing.T) {
	reg, conn, d := newDispatcher(t)
	ch, err := reg.RegisterCouncil("abc")
	require.NoError(t, err)

	d.Handle(conn, []byte(`{"type":"council_response","payload":{"requestId":"abc","success":true,
		"stage3":[{"model":"gpt-5","llmType":"openai","response":"Open problem."}],"duration":42}}`))

	resp := <-ch
	assert.True(t, resp.Success)
	assert.Equal(t, "abc", resp.RequestID)
	require.Len(t, resp.Stage3, 1)
	assert.Equal(t, "Open problem.", resp.Stage3[0].Response)
	require.NotNil(t, resp.Duration)
	assert.Equal(t, int64(42), *resp.Duration)
}

func TestDispatcher_CouncilResponseParseFailure(t *testing.T) {
	reg, conn, d := newDispatcher(t)
	ch, err := reg.RegisterCouncil("bad")
	require.NoError(t, err)

	// stage1 must be an array; success is present.
	d.Handle(conn, []byte(`{"type":"council_response","payload":{"requestId":"bad","success":true,"stage1":"oops"}}`))

	resp := <-ch
	assert.False(t, resp.Success)
	assert.Equal(t, "bad", resp.RequestID)
	assert.Contains(t, resp.Error, "Failed to parse response:")
}

func TestDispatcher_CouncilResponseIncompleteStages(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"stage1 without response", `"stage1":[{"model":"m","llmType":"t"}]`, "missing field `response` in stage1[0]"},
		{"stage2 without parsedRanking", `"stage2":[{"model":"m","llmType":"t","ranking":"A","evaluations":[]}]`, "missing field `parsedRanking` in stage2[0]"},
		{"stage3 without llmType", `"stage3":[{"model":"m","response":"r"},{"model":"m"}]`, "missing field `llmType` in stage3[0]"},
		{"aggregate without averageRank", `"metadata":{"labelToModel":{},"aggregateRankings":[{"model":"m","llmType":"t","rankingsCount":1}]}`, "missing field `averageRank` in metadata.aggregateRankings[0]"},
		{"metadata without labelToModel", `"metadata":{"aggregateRankings":[]}`, "missing field `labelToModel` in metadata"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, conn, d := newDispatcher(t)
			id := fmt.Sprintf("incomplete-%d", i)
			ch, err := reg.RegisterCouncil(id)
			require.NoError(t, err)

			d.Handle(conn, []byte(fmt.Sprintf(`{"type":"council_response","payload":{"requestId":%q,"success":true,%s}}`, id, tc.payload)))

			resp := <-ch
			assert.False(t, resp.Success)
			assert.Equal(t, id, resp.RequestID)
			assert.Equal(t, "Failed to parse response: "+tc.want, resp.Error)
		})
	}
}

func TestDispatcher_CouncilResponseFullMetadata(t *testing.T) {
	reg, conn, d := newDispatcher(t)
	ch, err := reg.RegisterCouncil("full")
	require.NoError(t, err)

	d.Handle(conn, []byte(`{"type":"council_response","payload":{"requestId":"full","success":true,
		"stage1":[{"model":"m","llmType":"t","response":"a"}],
		"stage2":[{"model":"m","llmType":"t","ranking":"A","parsedRanking":["A"],"evaluations":[{"x":1}]}],
		"metadata":{"labelToModel":{"Response A":"m"},"aggregateRankings":[{"model":"m","llmType":"t","averageRank":1,"rankingsCount":1}]}}}`))

	resp := <-ch
	require.True(t, resp.Success, resp.Error)
	require.NotNil(t, resp.Metadata)
	assert.Len(t, resp.Metadata.AggregateRankings, 1)
	assert.Equal(t, []string{"A"}, resp.Stage2[0].ParsedRanking)
}

func TestDispatcher_CouncilResponseMissingSuccess(t *testing.T) {
	reg, conn, d := newDispatcher(t)
	ch, err := reg.RegisterCouncil("nosuccess")
	require.NoError(t, err)

	d.Handle(conn, []byte(`{"type":"council_response","payload":{"requestId":"nosuccess"}}`))

	resp := <-ch
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Failed to parse response:")
}

func TestDispatcher_CouncilResponseWithoutRequestIDIsDropped(t *testing.T) {
	reg, conn, d := newDispatcher(t)
	_, err := reg.RegisterCouncil("waiting")
	require.NoError(t, err)

	d.Handle(conn, []byte(`{"type":"council_response","payload":{"success":true}}`))
	d.Handle(conn, []byte(`{"type":"council_response"}`))
	d.Handle(conn, []byte(`{"type":"council_response","payload":{"requestId":"unknown","success":true}}`))

	council, _ := reg.PendingCounts()
	assert.Equal(t, 1, council)
}

func TestDispatcher_ProxyResponses(t *testing.T) {
	reg, conn, d := newDispatcher(t)
	withPayload, err := reg.RegisterProxy("p1")
	require.NoError(t, err)
	withoutPayload, err := reg.RegisterProxy("p2")
	require.NoError(t, err)

	d.Handle(conn, []byte(`{"type":"history_list","requestId":"p1","payload":{"conversations":[{"id":"c1"}]}}`))
	d.Handle(conn, []byte(`{"type":"delete_result","requestId":"p2"}`))

	assert.JSONEq(t, `{"conversations":[{"id":"c1"}]}`, string(<-withPayload))
	assert.JSONEq(t, `{}`, string(<-withoutPayload))
}

func TestDispatcher_ProgressIsRecorded(t *testing.T) {
	reg, conn, d := newDispatcher(t)
	_, err := reg.RegisterCouncil("slow")
	require.NoError(t, err)

	d.Handle(conn, []byte(`{"type":"council_progress","payload":{"requestId":"slow","stage":2,"completed":3}}`))

	p, ok := reg.Progress("slow")
	require.True(t, ok)
	var got map[string]any
	require.NoError(t, json.Unmarshal(p, &got))
	assert.EqualValues(t, 2, got["stage"])
}

func TestDispatcher_IgnoresGarbage(t *testing.T) {
	reg, conn, d := newDispatcher(t)
	d.Handle(conn, []byte(`not json`))
	d.Handle(conn, []byte(`{"type":"mystery"}`))
	d.Handle(conn, []byte(`{"type":"extension_ready"}`))
	d.Handle(conn, []byte(`{"type":"pong"}`))

	assert.Equal(t, 0, conn.Outbound().Len())
	council, proxy := reg.PendingCounts()
	assert.Zero(t, council)
	assert.Zero(t, proxy)
}

type recordingSender struct{ frames []string }

func (s *recordingSender) Send(text string) error {
	s.frames = append(s.frames, text)
	return nil
}

func TestSendCouncilRequest_Shape(t *testing.T) {
	s := &recordingSender{}
	require.NoError(t, transport.SendCouncilRequest(s, "id-1", "Is P=NP?", "deep", 1700000000000))
	require.Len(t, s.frames, 1)
	assert.JSONEq(t,
		`{"type":"council_request","payload":{"requestId":"id-1","query":"Is P=NP?","tier":"deep","timestamp":1700000000000}}`,
		s.frames[0])
}

func TestSendProxyRequest_Shape(t *testing.T) {
	s := &recordingSender{}
	require.NoError(t, transport.SendProxyRequest(s, transport.TypeGetAuthStatus, "p-1", nil))
	require.NoError(t, transport.SendProxyRequest(s, transport.TypeGetConversation, "p-2", map[string]string{"id": "conv-9"}))

	assert.JSONEq(t, `{"type":"get_auth_status","requestId":"p-1"}`, s.frames[0])
	assert.JSONEq(t, `{"type":"get_conversation","requestId":"p-2","payload":{"id":"conv-9"}}`, s.frames[1])
}

func TestSendCouncilRequest_NotConnected(t *testing.T) {
	reg := registry.New()
	err := transport.SendCouncilRequest(reg, "id", "q", "normal", 0)
	assert.ErrorIs(t, err, registry.ErrNotConnected)
}
