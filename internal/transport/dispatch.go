package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lifeos-nexus/council/internal/registry"
	"github.com/lifeos-nexus/council/pkg/models"
	"github.com/rs/zerolog/log"
)

var errMissingSuccess = errors.New("missing field `success`")

// Dispatcher routes inbound extension frames to the registry.
type Dispatcher struct {
	reg *registry.Registry
}

// NewDispatcher creates a dispatcher bound to reg.
func NewDispatcher(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Handle processes one inbound text frame received on conn. Malformed
// frames are logged and dropped; Handle never fails the connection.
func (d *Dispatcher) Handle(conn *registry.Connection, data []byte) {
	var msg models.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msg("Failed to parse extension message")
		return
	}

	switch msg.Type {
	case TypeExtensionReady:
		log.Info().Str("connection", conn.ID).Msg("🧩 Extension ready")
	case TypePing:
		if err := conn.Send(pongFrame); err != nil {
			log.Debug().Err(err).Msg("Could not answer extension ping")
		}
	case TypePong:
	case TypeCouncilResponse:
		d.handleCouncilResponse(msg.Payload)
	case TypeCouncilProgress:
		d.handleProgress(msg.Payload)
	case TypeAuthStatus, TypeHistoryList, TypeConversationData, TypeDeleteResult:
		d.handleProxyResponse(msg)
	default:
		log.Info().Str("type", msg.Type).Msg("Unknown extension message type")
	}
}

func (d *Dispatcher) handleCouncilResponse(payload json.RawMessage) {
	if isAbsent(payload) {
		log.Warn().Msg("Council response missing payload")
		return
	}
	id := payloadRequestID(payload)
	if id == "" {
		log.Warn().Msg("Council response payload missing requestId")
		return
	}

	resp, err := decodeCouncilResponse(payload)
	if err != nil {
		log.Warn().Err(err).Str("request_id", id).Msg("Failed to parse council response")
		resp = models.CouncilResponse{
			RequestID: id,
			Success:   false,
			Error:     "Failed to parse response: " + err.Error(),
		}
	}
	resp.RequestID = id

	if !d.reg.ResolveCouncil(id, resp) {
		log.Info().Str("request_id", id).Msg("No pending request found for council response")
	}
}

func (d *Dispatcher) handleProxyResponse(msg models.WSMessage) {
	if msg.RequestID == "" {
		log.Warn().Str("type", msg.Type).Msg("Proxy response missing requestId")
		return
	}
	payload := msg.Payload
	if isAbsent(payload) {
		payload = json.RawMessage(`{}`)
	}
	if !d.reg.ResolveProxy(msg.RequestID, payload) {
		log.Info().Str("type", msg.Type).Str("request_id", msg.RequestID).Msg("No pending proxy request found")
	}
}

func (d *Dispatcher) handleProgress(payload json.RawMessage) {
	if isAbsent(payload) {
		return
	}
	id := payloadRequestID(payload)
	log.Debug().Str("request_id", id).RawJSON("progress", payload).Msg("Council progress")
	if id != "" {
		d.reg.SetProgress(id, payload)
	}
}

// decodeCouncilResponse requires the success flag. Stages and metadata are
// optional, but any that are present must carry all of their fields.
func decodeCouncilResponse(payload json.RawMessage) (models.CouncilResponse, error) {
	var probe struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return models.CouncilResponse{}, err
	}
	if probe.Success == nil {
		return models.CouncilResponse{}, errMissingSuccess
	}
	var resp models.CouncilResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return models.CouncilResponse{}, err
	}
	if err := checkRequiredFields(payload); err != nil {
		return models.CouncilResponse{}, err
	}
	return resp, nil
}

// presence mirrors the stage, ranking and aggregate shapes with pointer
// fields so absent keys can be told apart from zero values.
type presence struct {
	Model         *string            `json:"model"`
	LLMType       *string            `json:"llmType"`
	Response      *string            `json:"response"`
	Ranking       *string            `json:"ranking"`
	ParsedRanking *[]string          `json:"parsedRanking"`
	Evaluations   *[]json.RawMessage `json:"evaluations"`
	AverageRank   *float64           `json:"averageRank"`
	RankingsCount *int               `json:"rankingsCount"`
}

func checkRequiredFields(payload json.RawMessage) error {
	var doc struct {
		Stage1   []presence `json:"stage1"`
		Stage2   []presence `json:"stage2"`
		Stage3   []presence `json:"stage3"`
		Metadata *struct {
			LabelToModel      json.RawMessage `json:"labelToModel"`
			AggregateRankings *[]presence     `json:"aggregateRankings"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}

	for i, s := range doc.Stage1 {
		if err := s.require(fmt.Sprintf("stage1[%d]", i), "model", "llmType", "response"); err != nil {
			return err
		}
	}
	for i, s := range doc.Stage2 {
		if err := s.require(fmt.Sprintf("stage2[%d]", i), "model", "llmType", "ranking", "parsedRanking", "evaluations"); err != nil {
			return err
		}
	}
	for i, s := range doc.Stage3 {
		if err := s.require(fmt.Sprintf("stage3[%d]", i), "model", "llmType", "response"); err != nil {
			return err
		}
	}
	if md := doc.Metadata; md != nil {
		if len(md.LabelToModel) == 0 {
			return missingField("labelToModel", "metadata")
		}
		if md.AggregateRankings == nil {
			return missingField("aggregateRankings", "metadata")
		}
		for i, a := range *md.AggregateRankings {
			if err := a.require(fmt.Sprintf("metadata.aggregateRankings[%d]", i), "model", "llmType", "averageRank", "rankingsCount"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p presence) require(where string, fields ...string) error {
	for _, f := range fields {
		var ok bool
		switch f {
		case "model":
			ok = p.Model != nil
		case "llmType":
			ok = p.LLMType != nil
		case "response":
			ok = p.Response != nil
		case "ranking":
			ok = p.Ranking != nil
		case "parsedRanking":
			ok = p.ParsedRanking != nil
		case "evaluations":
			ok = p.Evaluations != nil
		case "averageRank":
			ok = p.AverageRank != nil
		case "rankingsCount":
			ok = p.RankingsCount != nil
		}
		if !ok {
			return missingField(f, where)
		}
	}
	return nil
}

func missingField(field, where string) error {
	return fmt.Errorf("missing field `%s` in %s", field, where)
}

// payloadRequestID returns payload.requestId when it is a string.
func payloadRequestID(payload json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	var id string
	if err := json.Unmarshal(fields["requestId"], &id); err != nil {
		return ""
	}
	return id
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
