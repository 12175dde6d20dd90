package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/birddigital/voice-relay/pkg/callstore"
	"github.com/birddigital/voice-relay/pkg/relay"
	"github.com/birddigital/voice-relay/pkg/signalwire"
	"github.com/birddigital/voice-relay/pkg/style"
	"github.com/birddigital/voice-relay/pkg/transport"
)

// ============================================
// CALL HANDLERS
// HTTP endpoints for call control and media streaming
// ============================================

const (
	DefaultStreamPath         = "/media-stream"
	DefaultIncomingCallPath   = "/incoming-call"
	DefaultStatusCallbackPath = "/call-status"

	storeTimeout = 5 * time.Second
)

// UpstreamDialer opens a backend connection for one call.
type UpstreamDialer func(ctx context.Context) (relay.UpstreamChannel, error)

// CallController places and ends calls through the provider's REST API.
type CallController interface {
	MakeCall(ctx context.Context, r signalwire.CallRequest) (*signalwire.Call, error)
	HangupCall(ctx context.Context, callSID string) error
}

// HandlerConfig holds the per-deployment settings for CallHandlers.
type HandlerConfig struct {
	// PublicHost is the externally reachable host used in webhook and
	// stream URLs. Empty falls back to the request's Host header.
	PublicHost string

	// Relay is copied into every call's engine.
	Relay relay.Config

	// StyleSwitching reclassifies caller transcripts and updates the
	// backend instructions when the style changes.
	StyleSwitching bool
	Prompts        style.PromptSet

	// CallerID is the From number for outbound calls.
	CallerID string

	Transport transport.Options
}

// Dependencies are the collaborators CallHandlers drives.
type Dependencies struct {
	Registry     *CallRegistry
	Store        callstore.Store
	DialUpstream UpstreamDialer

	// Calls is optional; without it the outbound endpoints return 503.
	Calls CallController

	// Classifier is optional and defaults to the keyword classifier.
	Classifier style.Classifier

	Logger *zap.Logger
}

// CallHandlers manages HTTP endpoints for call control and streaming
type CallHandlers struct {
	cfg      HandlerConfig
	deps     Dependencies
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewCallHandlers creates a new call handlers instance
func NewCallHandlers(cfg HandlerConfig, deps Dependencies) *CallHandlers {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = NewCallRegistry(logger)
	}
	if deps.Store == nil {
		deps.Store = callstore.NewMemoryStore()
	}
	if deps.Classifier == nil {
		deps.Classifier = style.NewKeywordClassifier(nil)
	}
	return &CallHandlers{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("call-handlers"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Media stream connections come from the provider, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ============================================
// ROUTE REGISTRATION
// ============================================

// RegisterRoutes registers all call handler routes
func (h *CallHandlers) RegisterRoutes(r chi.Router) {
	// Provider webhooks
	r.Get(DefaultIncomingCallPath, h.HandleIncomingCall)
	r.Post(DefaultIncomingCallPath, h.HandleIncomingCall)
	r.Post(DefaultStatusCallbackPath, h.HandleCallStatus)

	// Media stream websocket
	r.Get(DefaultStreamPath, h.HandleMediaStream)

	// Active relays
	r.Route("/calls", func(calls chi.Router) {
		calls.Get("/", h.HandleListCalls)
		calls.Get("/{id}", h.HandleCallStatusByID)
		calls.Get("/{id}/metrics", h.HandleCallMetrics)
		calls.Delete("/{id}", h.HandleCloseCall)
	})

	// Call history
	r.Get("/call-records", h.HandleListRecords)
	r.Get("/call-records/{callSid}", h.HandleGetRecord)

	// Outbound dialing
	r.Post("/outbound-calls", h.HandleDial)
	r.Post("/outbound-calls/{callSid}/hangup", h.HandleHangup)

	h.logger.Info("registered call handler routes")
}

// ============================================
// PROVIDER WEBHOOKS
// ============================================

// HandleIncomingCall answers the provider's call webhook with a document
// that connects the call's audio to the media stream endpoint.
func (h *CallHandlers) HandleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	callSID := r.FormValue("CallSid")
	if callSID == "" {
		h.logger.Warn("incoming call without CallSid")
		http.Error(w, "Missing CallSid", http.StatusBadRequest)
		return
	}
	from := r.FormValue("From")
	to := r.FormValue("To")

	direction := callstore.DirectionInbound
	if strings.HasPrefix(r.FormValue("Direction"), "outbound") {
		direction = callstore.DirectionOutbound
	}

	streamURL := "wss://" + h.publicHost(r) + DefaultStreamPath
	doc, err := signalwire.GenerateStreamTwiML(streamURL, map[string]string{
		"callSid":   callSID,
		"from":      from,
		"to":        to,
		"direction": string(direction),
	})
	if err != nil {
		h.logger.Error("failed to generate stream document", zap.Error(err))
		http.Error(w, "Failed to generate TwiML", http.StatusInternalServerError)
		return
	}

	h.logger.Info("incoming call",
		zap.String("call_sid", callSID),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("direction", string(direction)),
	)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

// HandleCallStatus records provider status callbacks and ends the relay
// once the call reaches a terminal state.
func (h *CallHandlers) HandleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	callSID := r.FormValue("CallSid")
	callStatus := r.FormValue("CallStatus")
	if callSID == "" {
		http.Error(w, "Missing CallSid", http.StatusBadRequest)
		return
	}

	logger := h.logger.With(zap.String("call_sid", callSID), zap.String("status", callStatus))

	state, ok := callstore.MapProviderStatus(callStatus)
	if !ok {
		logger.Warn("unknown call status")
		w.WriteHeader(http.StatusOK)
		return
	}

	// Store failures are logged; the callback is always acknowledged.
	if err := h.deps.Store.UpdateState(r.Context(), callSID, state); err != nil {
		if errors.Is(err, callstore.ErrNotFound) {
			logger.Debug("status for unrecorded call")
		} else {
			logger.Warn("failed to update call state", zap.Error(err))
		}
	}

	if state.IsTerminal() {
		if call, err := h.deps.Registry.GetByCallSID(callSID); err == nil {
			logger.Info("closing relay for finished call", zap.String("id", call.ID))
			call.Relay.Close()
		}
	}

	w.WriteHeader(http.StatusOK)
}

// ============================================
// MEDIA STREAM ENDPOINT
// ============================================

// HandleMediaStream upgrades the provider's media stream connection, dials
// the backend and relays the call until either side ends it.
func (h *CallHandlers) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("media stream upgrade failed", zap.Error(err))
		return
	}

	// Shutdown closes relays through the registry, not the request context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	stream := NewMediaStream(transport.New(ws, h.cfg.Transport, h.logger), h.logger)
	logger := h.logger.With(zap.String("media_stream_id", stream.ID))

	up, err := h.deps.DialUpstream(ctx)
	if err != nil {
		logger.Error("failed to connect backend", zap.Error(err))
		stream.Close()
		return
	}

	engine := relay.NewEngine(stream, up, h.cfg.Relay, logger)
	call := h.deps.Registry.Register("", engine)
	defer h.deps.Registry.Remove(call.ID)

	var recording sync.WaitGroup
	hooks := relay.Hooks{
		OnStart: func(ctx context.Context, evt relay.DownstreamEvent) {
			call.SetCallSID(evt.CallID)
			call.SetStreamSID(evt.StreamID)
			recording.Add(1)
			go func() {
				defer recording.Done()
				h.recordStart(evt)
			}()
		},
	}
	if h.cfg.StyleSwitching {
		switcher := style.NewSwitcher(h.deps.Classifier, h.cfg.Prompts, logger)
		switcher.Attach(engine)
		hooks.OnTranscript = switcher.OnTranscript
	}
	engine.SetHooks(hooks)

	runErr := engine.Run(ctx)
	recording.Wait()

	callSID := stream.CallSID()
	if callSID == "" {
		logger.Info("media stream ended before start", zap.Error(runErr))
		return
	}
	h.recordFinish(callSID, callstore.Outcome{Metrics: engine.Metrics(), Err: runErr})
}

// recordStart creates the call record, or marks an already known
// (outbound) record as in progress.
func (h *CallHandlers) recordStart(evt relay.DownstreamEvent) {
	if evt.CallID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	logger := h.logger.With(zap.String("call_sid", evt.CallID))

	if _, err := h.deps.Store.GetByCallSID(ctx, evt.CallID); err == nil {
		if err := h.deps.Store.UpdateState(ctx, evt.CallID, callstore.StateInProgress); err != nil {
			logger.Warn("failed to mark call in progress", zap.Error(err))
		}
		return
	} else if !errors.Is(err, callstore.ErrNotFound) {
		logger.Warn("failed to look up call record", zap.Error(err))
		return
	}

	direction := callstore.DirectionInbound
	if evt.Parameters["direction"] == string(callstore.DirectionOutbound) {
		direction = callstore.DirectionOutbound
	}
	rec := callstore.NewRecord(evt.CallID, direction)
	rec.StreamSID = evt.StreamID
	rec.FromNumber = evt.Parameters["from"]
	rec.ToNumber = evt.Parameters["to"]
	if len(evt.Parameters) > 0 {
		rec.Metadata = make(map[string]string, len(evt.Parameters))
		for k, v := range evt.Parameters {
			rec.Metadata[k] = v
		}
	}

	if err := h.deps.Store.Create(ctx, rec); err != nil {
		logger.Warn("failed to create call record", zap.Error(err))
	}
}

func (h *CallHandlers) recordFinish(callSID string, outcome callstore.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := h.deps.Store.Finish(ctx, callSID, outcome); err != nil {
		h.logger.Warn("failed to finish call record", zap.String("call_sid", callSID), zap.Error(err))
	}
}

// ============================================
// STATUS ENDPOINTS
// ============================================

// HandleListCalls returns every active relay.
func (h *CallHandlers) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"calls": h.deps.Registry.List(),
		"count": h.deps.Registry.Len(),
	})
}

// HandleCallStatusByID returns the status of one active relay.
func (h *CallHandlers) HandleCallStatusByID(w http.ResponseWriter, r *http.Request) {
	status, err := h.deps.Registry.Status(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// HandleCallMetrics returns the relay counters of one active call.
func (h *CallHandlers) HandleCallMetrics(w http.ResponseWriter, r *http.Request) {
	status, err := h.deps.Registry.Status(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status.Metrics)
}

// HandleCloseCall ends one active relay. The provider call itself is left
// to hang up on its own when its stream closes.
func (h *CallHandlers) HandleCloseCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Registry.CloseCall(id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "closing", "id": id})
}

// HandleListRecords returns recent call records, newest first.
func (h *CallHandlers) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.deps.Store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list call records", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list call records")
		return
	}
	if records == nil {
		records = []callstore.CallRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

// HandleGetRecord returns one call record by provider call id.
func (h *CallHandlers) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Store.GetByCallSID(r.Context(), chi.URLParam(r, "callSid"))
	if errors.Is(err, callstore.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to load call record", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load call record")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ============================================
// OUTBOUND CALLS
// ============================================

// DialRequest is the body of an outbound call request.
type DialRequest struct {
	To       string            `json:"to"`
	From     string            `json:"from,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HandleDial places an outbound call whose audio is relayed like an
// inbound one once answered.
func (h *CallHandlers) HandleDial(w http.ResponseWriter, r *http.Request) {
	if h.deps.Calls == nil {
		respondError(w, http.StatusServiceUnavailable, "outbound calling is not configured")
		return
	}

	var req DialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !isValidE164(req.To) {
		respondError(w, http.StatusBadRequest, "to must be in E.164 format (+1234567890)")
		return
	}
	from := req.From
	if from == "" {
		from = h.cfg.CallerID
	}

	host := h.publicHost(r)
	call, err := h.deps.Calls.MakeCall(r.Context(), signalwire.CallRequest{
		From:           from,
		To:             req.To,
		URL:            "https://" + host + DefaultIncomingCallPath,
		StatusCallback: "https://" + host + DefaultStatusCallbackPath,
	})
	if err != nil {
		h.logger.Error("failed to place call", zap.String("to", req.To), zap.Error(err))
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	rec := callstore.NewRecord(call.SID, callstore.DirectionOutbound)
	rec.FromNumber = from
	rec.ToNumber = req.To
	rec.Metadata = req.Metadata
	rec.State = callstore.StateQueued
	rec.AnsweredAt = nil
	if state, ok := callstore.MapProviderStatus(call.Status); ok {
		rec.State = state
	}
	if err := h.deps.Store.Create(r.Context(), rec); err != nil {
		h.logger.Warn("failed to record outbound call", zap.String("call_sid", call.SID), zap.Error(err))
	}

	h.logger.Info("outbound call placed", zap.String("call_sid", call.SID), zap.String("to", req.To))
	respondJSON(w, http.StatusCreated, rec)
}

// HandleHangup ends a call at the provider. Its relay stops when the
// status callback or the stream close arrives.
func (h *CallHandlers) HandleHangup(w http.ResponseWriter, r *http.Request) {
	if h.deps.Calls == nil {
		respondError(w, http.StatusServiceUnavailable, "outbound calling is not configured")
		return
	}

	callSID := chi.URLParam(r, "callSid")
	if err := h.deps.Calls.HangupCall(r.Context(), callSID); err != nil {
		h.logger.Error("failed to hang up call", zap.String("call_sid", callSID), zap.Error(err))
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "hanging_up", "call_sid": callSID})
}

// ============================================
// HELPERS
// ============================================

// isValidE164 checks if a phone number is in E.164 format
func isValidE164(phone string) bool {
	if len(phone) < 3 || len(phone) > 16 {
		return false
	}
	if phone[0] != '+' {
		return false
	}
	for _, c := range phone[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (h *CallHandlers) publicHost(r *http.Request) string {
	if h.cfg.PublicHost != "" {
		return h.cfg.PublicHost
	}
	return r.Host
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
