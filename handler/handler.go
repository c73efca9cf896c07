// Package handler exposes the facilitator over a Lambda Function URL with
// response streaming enabled.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"facilitator-agent/internal/stream"
	"facilitator-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// Service is the facilitator use case consumed by Handler.
type Service interface {
	StartOrGetConversation(ctx context.Context, sessionID string) (usecase.ConversationSummary, error)
	PeekHintUsage(ctx context.Context, sessionID string, stage int) (usecase.HintSummary, error)
	SubmitTurn(ctx context.Context, in usecase.TurnInput) (*usecase.TurnStream, error)
}

type Handler struct {
	svc   Service
	newID func() string
}

type conversationRequest struct {
	SessionID string `json:"sessionId"`
}

type turnRequest struct {
	SessionID    string `json:"sessionId"`
	Message      string `json:"message"`
	ConsumesHint bool   `json:"consumesHint"`
	Stage        int    `json:"stage"`
}

type conversationResponse struct {
	ConversationID string    `json:"conversationId"`
	SessionID      string    `json:"sessionId"`
	Status         string    `json:"status"`
	TokenCount     int       `json:"tokenCount"`
	EstimatedCost  float64   `json:"estimatedCost"`
	Turns          int       `json:"turns"`
	CreatedAt      time.Time `json:"createdAt"`
	Created        bool      `json:"created"`
}

type hintResponse struct {
	SessionID string `json:"sessionId"`
	Stage     int    `json:"stage"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Max       int    `json:"max"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type budgetExhaustedResponse struct {
	Error     string `json:"error"`
	Remaining int    `json:"remaining"`
	Max       int    `json:"max"`
}

func NewHandler(svc Service) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	return &Handler{svc: svc, newID: uuid.NewString}, nil
}

// Handle routes one Function URL invocation. JSON routes return a fully
// buffered body; POST /turns streams text/event-stream frames as the reply
// is produced.
func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	corrID := correlationID(req.Headers)
	if corrID == "" {
		corrID = h.newID()
	}
	log := slog.Default().With("correlation_id", corrID)

	method := strings.ToUpper(req.RequestContext.HTTP.Method)
	path := strings.TrimRight(req.RawPath, "/")
	if path == "" {
		path = strings.TrimRight(req.RequestContext.HTTP.Path, "/")
	}

	switch {
	case method == http.MethodPost && path == "/conversations":
		return h.startConversation(ctx, req, corrID, log), nil
	case method == http.MethodGet && path == "/hints":
		return h.peekHints(ctx, req, corrID, log), nil
	case method == http.MethodPost && path == "/turns":
		return h.submitTurn(ctx, req, corrID, log), nil
	case path == "/conversations" || path == "/hints" || path == "/turns":
		return jsonResponse(http.StatusMethodNotAllowed, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "method_not_allowed"}), nil
	default:
		return jsonResponse(http.StatusNotFound, corrID, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"}), nil
	}
}

func (h *Handler) startConversation(ctx context.Context, req events.LambdaFunctionURLRequest, corrID string, log *slog.Logger) *events.LambdaFunctionURLStreamingResponse {
	var in conversationRequest
	if err := decodeBody(req, &in); err != nil {
		return invalidBody(corrID)
	}
	conv, err := h.svc.StartOrGetConversation(ctx, in.SessionID)
	if err != nil {
		return errorToResponse(err, corrID, log)
	}
	return jsonResponse(http.StatusOK, corrID, conversationResponse{
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		Status:         string(conv.Status),
		TokenCount:     conv.TokenCount,
		EstimatedCost:  conv.EstimatedCost,
		Turns:          conv.Turns,
		CreatedAt:      conv.CreatedAt,
		Created:        conv.Created,
	})
}

func (h *Handler) peekHints(ctx context.Context, req events.LambdaFunctionURLRequest, corrID string, log *slog.Logger) *events.LambdaFunctionURLStreamingResponse {
	stage, err := strconv.Atoi(strings.TrimSpace(req.QueryStringParameters["stage"]))
	if err != nil {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_stage"})
	}
	usage, err := h.svc.PeekHintUsage(ctx, req.QueryStringParameters["sessionId"], stage)
	if err != nil {
		return errorToResponse(err, corrID, log)
	}
	return jsonResponse(http.StatusOK, corrID, hintResponse{
		SessionID: usage.SessionID,
		Stage:     usage.Stage,
		Used:      usage.Used,
		Remaining: usage.Remaining,
		Max:       usage.Max,
	})
}

func (h *Handler) submitTurn(ctx context.Context, req events.LambdaFunctionURLRequest, corrID string, log *slog.Logger) *events.LambdaFunctionURLStreamingResponse {
	var in turnRequest
	if err := decodeBody(req, &in); err != nil {
		return invalidBody(corrID)
	}
	turn, err := h.svc.SubmitTurn(ctx, usecase.TurnInput{
		SessionID:     in.SessionID,
		Message:       in.Message,
		ConsumesHint:  in.ConsumesHint,
		Stage:         in.Stage,
		CorrelationID: corrID,
	})
	if err != nil {
		return errorToResponse(err, corrID, log)
	}

	pr, pw := io.Pipe()
	turnCtx, cancel := context.WithCancel(ctx)
	// A dead invocation must unblock a pump stuck writing to a reader that
	// is no longer consumed.
	stop := context.AfterFunc(ctx, func() { _ = pr.CloseWithError(ctx.Err()) })

	go func() {
		defer cancel()
		pumped := make(chan error, 1)
		go func() {
			err := stream.Pump(pw, turn.Events(), nil)
			if err != nil {
				cancel()
			}
			pumped <- err
		}()

		state := turn.Run(turnCtx)
		err := <-pumped
		stop()
		if err != nil {
			log.InfoContext(ctx, "stream writer closed early", "state", state.String(), "err", err)
		}
		_ = pw.CloseWithError(err)
	}()

	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":      stream.ContentType,
			"Cache-Control":     "no-cache",
			correlationHeader:   corrID,
			"X-Conversation-Id": turn.ConversationID(),
		},
		Body: pr,
	}
}

func decodeBody(req events.LambdaFunctionURLRequest, v any) error {
	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return err
		}
		body = string(raw)
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func invalidBody(corrID string) *events.LambdaFunctionURLStreamingResponse {
	return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
}

func errorToResponse(err error, corrID string, log *slog.Logger) *events.LambdaFunctionURLStreamingResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		log.Error("unexpected use case error", "err", err)
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	switch ue.Code {
	case usecase.ErrorBudgetExhausted:
		out := budgetExhaustedResponse{Error: string(ue.Code)}
		if ue.Hints != nil {
			out.Max = ue.Hints.Max
		}
		return jsonResponse(http.StatusConflict, corrID, out)
	case usecase.ErrorInvalidInput:
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
	case usecase.ErrorNotFound:
		return jsonResponse(http.StatusNotFound, corrID, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
	case usecase.ErrorUpstream:
		log.Warn("upstream failure", "reason", ue.Reason, "err", ue.Err)
		return jsonResponse(http.StatusBadGateway, corrID, errorResponse{Error: string(ue.Code), Reason: ue.Reason})
	default:
		log.Error("request failed", "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
		return jsonResponse(http.StatusInternalServerError, corrID, errorResponse{Error: string(usecase.ErrorInternal), Reason: ue.Reason})
	}
}

func jsonResponse(status int, corrID string, v any) *events.LambdaFunctionURLStreamingResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: strings.NewReader(string(body)),
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
