// Package httpadapter is the reference HTTP transport adapter: a thin
// net/http surface that turns POST bodies into
// internal/dispatch.Manager.Send calls and outbound push requests into
// internal/push.Registry.Send calls. It is the "example, not the only
// possible adapter" the daemon wires by default; a chat-bot long-poll
// adapter or a scheduled-job runner talks to the same Manager and
// Registry without going through HTTP at all.
//
// Grounded on PabloGalante-farum_agent's internal/adapters/http/handler.go:
// same mux.HandleFunc + path-splitting routing and writeJSON/badRequest/
// internalError helper shape, generalized from a conversation-session CRUD
// surface to spec.md's channel-send/push/status surface. GET /events is
// not routed here; the daemon mounts the monitor Hub for it directly.
package httpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dayuer/relaymux/internal/dispatch"
	"github.com/dayuer/relaymux/internal/monitor"
	"github.com/dayuer/relaymux/internal/push"
	"github.com/dayuer/relaymux/internal/wire"
)

// Server is the reference HTTP adapter, backed by a Channel Manager and
// a Push Registry that were both constructed independently at daemon
// start — the adapter holds no state of its own beyond these two
// references and, optionally, the monitor Hub it mirrors activity into.
type Server struct {
	manager  *dispatch.Manager
	registry *push.Registry
	hub      *monitor.Hub
}

// NewServer builds the reference HTTP adapter's http.Handler. hub may
// be nil, in which case sends are dispatched exactly as before but
// nothing is published to the operator dashboard feed.
func NewServer(manager *dispatch.Manager, registry *push.Registry, hub *monitor.Hub) http.Handler {
	s := &Server{manager: manager, registry: registry, hub: hub}
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/", s.handleChannelMessages)
	mux.HandleFunc("/push/", s.handlePush)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

type sendRequest struct {
	Content wire.MessageContent  `json:"content"`
	Context *wire.ChannelContext `json:"context,omitempty"`
}

type sendResponse struct {
	Text           string `json:"text"`
	DurationMS     int64  `json:"duration_ms"`
	IsError        bool   `json:"is_error"`
	Coalesced      bool   `json:"coalesced,omitempty"`
	RequestsMerged int    `json:"requests_merged,omitempty"`
}

// handleChannelMessages implements POST /channels/{key}/messages, per
// spec.md's HTTP reference surface.
func (s *Server) handleChannelMessages(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/channels/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "messages" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	channel := parts[0]

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content.Text()) == "" {
		badRequest(w, "content is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	result, err := s.manager.Send(ctx, channel, req.Content, req.Context, s.onEventFor(channel))
	if err != nil {
		internalError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.Publish(monitor.Event{
			Type:       "result",
			Channel:    channel,
			Time:       time.Now(),
			Text:       result.Text,
			DurationMS: result.DurationMS,
			IsError:    result.IsError,
			Coalesced:  result.Coalesced,
		})
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Text:           result.Text,
		DurationMS:     result.DurationMS,
		IsError:        result.IsError,
		Coalesced:      result.Coalesced,
		RequestsMerged: result.RequestsMerged,
	})
}

// onEventFor returns the callback passed to Manager.Send for channel,
// mirroring every streamed intermediate event to the monitor feed. Nil
// when no Hub was configured, so Send's own nil-check skips the work
// entirely rather than calling into an empty Hub.
func (s *Server) onEventFor(channel string) dispatch.EventCallback {
	if s.hub == nil {
		return nil
	}
	return func(ev wire.EventFrame) {
		s.hub.Publish(monitor.Event{
			Type:    "event",
			Channel: channel,
			Time:    time.Now(),
			Text:    fmt.Sprint(ev.Payload),
		})
	}
}

type pushRequest struct {
	Text  string       `json:"text"`
	Media []push.Media `json:"media,omitempty"`
}

type pushResponse struct {
	Delivered bool `json:"delivered"`
}

// handlePush implements POST /push/{channel}.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	channel := strings.TrimPrefix(r.URL.Path, "/push/")
	if channel == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	delivered := s.registry.Send(channel, req.Text, req.Media)
	writeJSON(w, http.StatusOK, pushResponse{Delivered: delivered})
}

type statusResponse struct {
	ActiveChannels []string `json:"active_channels"`
}

// handleStatus implements GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{ActiveChannels: s.manager.ActiveChannels()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func internalError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}
