package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/outbox"
	"chatsync/pkg/remote"
	"chatsync/pkg/store"
)

const shutdownTimeout = 5 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// router builds the ops and local-control HTTP surface.
func (a *App) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			logger.LogRequest(req)
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/statz", a.handleStatz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/conversations", a.handleListConversations).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{conv}/open", a.handleOpen).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conv}/close", a.handleClose).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conv}/messages", a.handleListMessages).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{conv}/messages", a.handleSend).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conv}/more", a.handleLoadMore).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conv}/search", a.handleSearch).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{conv}/typing", a.handleTyping).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conv}/unread", a.handleUnread).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}", a.handleEdit).Methods(http.MethodPatch)
	v1.HandleFunc("/messages/{id}", a.handleUnsend).Methods(http.MethodDelete)
	v1.HandleFunc("/messages/{id}/retry", a.handleRetry).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}/dismiss", a.handleDismiss).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}/reaction", a.handleAddReaction).Methods(http.MethodPut)
	v1.HandleFunc("/messages/{id}/reaction", a.handleRemoveReaction).Methods(http.MethodDelete)
	return r
}

func (a *App) startHTTP() <-chan error {
	a.srv = &http.Server{
		Addr:         a.cfg.Addr(),
		Handler:      a.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !a.st.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleStatz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"store":           a.st.Stats(),
		"dropped_changes": a.st.DroppedChanges(),
	})
}

func (a *App) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	convs, err := a.st.ListConversations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (a *App) handleOpen(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conv"]
	msgs, err := a.OpenConversation(context.Background(), conv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	hasMore := false
	if p, ok := a.Pager(conv); ok {
		hasMore = p.HasMore()
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "has_more": hasMore})
}

func (a *App) handleClose(w http.ResponseWriter, r *http.Request) {
	a.CloseConversation(mux.Vars(r)["conv"])
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (a *App) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conv"]
	if p, ok := a.Pager(conv); ok {
		writeJSON(w, http.StatusOK, map[string]any{"messages": p.Snapshot(), "has_more": p.HasMore()})
		return
	}
	msgs, err := a.st.ListMessages(conv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendPayload struct {
	Text     string           `json:"text"`
	Image    string           `json:"image,omitempty"` // base64
	ImageExt string           `json:"image_ext,omitempty"`
	Audio    string           `json:"audio,omitempty"` // base64
	AudioExt string           `json:"audio_ext,omitempty"`
	Location *models.Location `json:"location,omitempty"`
	ReplyTo  string           `json:"reply_to,omitempty"`
}

func (a *App) handleSend(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conv"]
	var in sendPayload
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	image, err := base64.StdEncoding.DecodeString(in.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	audio, err := base64.StdEncoding.DecodeString(in.Audio)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := a.outbox.Send(r.Context(), outbox.SendInput{
		Conv:      conv,
		Text:      in.Text,
		ImageData: image,
		ImageExt:  in.ImageExt,
		AudioData: audio,
		AudioExt:  in.AudioExt,
		Location:  in.Location,
		ReplyTo:   in.ReplyTo,
	})
	if err != nil {
		switch {
		case errors.Is(err, outbox.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, err)
		case msg.ID == "":
			writeError(w, http.StatusInternalServerError, err)
		default:
			// a failed delivery still produced a retryable local record
			writeJSON(w, http.StatusAccepted, msg)
		}
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *App) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conv"]
	p, ok := a.Pager(conv)
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conversation not open"})
		return
	}
	if err := p.LoadMore(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": p.Snapshot(), "has_more": p.HasMore()})
}

func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conv"]
	query := r.URL.Query().Get("q")
	done := make(chan []models.Message, 1)
	a.searcher.Search(r.Context(), conv, query, a.cfg.Sync.PageSize, func(res []models.Message) {
		done <- res
	})
	select {
	case res := <-done:
		writeJSON(w, http.StatusOK, map[string]any{"messages": res})
	case <-r.Context().Done():
		writeError(w, http.StatusRequestTimeout, r.Context().Err())
	}
}

func (a *App) handleTyping(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conv"]
	a.presence.TypingStarted(r.Context(), conv)
	writeJSON(w, http.StatusOK, map[string]any{"peers_typing": a.presence.PeersTyping(conv)})
}

func (a *App) handleUnread(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["conv"]
	n, err := a.presence.UnreadCount(conv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (a *App) handleEdit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.outbox.Edit(r.Context(), id, in.Text); err != nil {
		a.writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "edited"})
}

func (a *App) handleUnsend(w http.ResponseWriter, r *http.Request) {
	if err := a.outbox.Unsend(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsent"})
}

func (a *App) handleRetry(w http.ResponseWriter, r *http.Request) {
	msg, err := a.outbox.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if msg.ID == "" {
			a.writeOutboxError(w, err)
			return
		}
		// delivery failed again; the record stays failed and retryable
		writeJSON(w, http.StatusAccepted, msg)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *App) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := a.outbox.Dismiss(mux.Vars(r)["id"]); err != nil {
		a.writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (a *App) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.outbox.AddReaction(r.Context(), id, in.Symbol); err != nil {
		a.writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reacted"})
}

func (a *App) handleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	if err := a.outbox.RemoveReaction(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeOutboxError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (a *App) writeOutboxError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, outbox.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, outbox.ErrAlreadyUnsent), errors.Is(err, outbox.ErrNotFailed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, outbox.ErrUnsendWindow), errors.Is(err, remote.ErrUnsendWindow):
		writeError(w, http.StatusGone, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		a.log.Warn("request_failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err)
	}
}
