package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/trialbridge/portal/pkg/chat"
	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/logger"
)

type ChatHandler struct {
	bridge *chat.Bridge
}

func NewChatHandler(bridge *chat.Bridge) *ChatHandler {
	return &ChatHandler{bridge: bridge}
}

func (h *ChatHandler) Register(r *mux.Router) {
	r.HandleFunc("/chat", h.handleChat).Methods(http.MethodPost).Name("chat")
}

func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	if !req.Stream {
		resp, err := h.bridge.Complete(r.Context(), req)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, resp)
		return
	}

	stream, err := h.bridge.Stream(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer stream.Close()

	log := logger.FromContext(r.Context())
	// The server write timeout would cut long completions; the stream ends
	// when the runtime finishes or the client goes away.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.WithError(err).Warn("could not lift write deadline for chat stream")
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Headers are gone; report the failure inside the stream.
			log.WithError(err).Error("chat stream interrupted")
			payload, _ := json.Marshal(map[string]string{"error": apperr.PublicMessage(err)})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			break
		}
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
