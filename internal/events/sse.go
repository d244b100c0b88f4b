package events

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// streamSub is a server-sent-events subscriber registered with the hub.
type streamSub struct {
	ch     chan []byte
	topics map[string]bool
	closed bool
}

func (s *streamSub) matches(topics []string) bool {
	if len(s.topics) == 0 || s.topics["*"] {
		return true
	}
	for _, topic := range topics {
		if s.topics[topic] {
			return true
		}
	}
	return false
}

type SSEHandler struct {
	hub    *Hub
	logger *zap.SugaredLogger
}

func NewSSEHandler(hub *Hub, logger *zap.SugaredLogger) *SSEHandler {
	return &SSEHandler{hub: hub, logger: logger}
}

func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	origin := r.Header.Get("Origin")
	if h.hub.allowedOrigins[origin] {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")

	topics := parseTopics(r)
	if account := r.URL.Query().Get("account"); account != "" {
		topics = append(topics, accountTopic(account))
	}

	sub := h.hub.subscribeStream(topics)
	defer h.hub.unsubscribeStream(sub)

	h.logger.Debugw("SSE connection established", "topics", topics)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-sub.ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: update\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func parseTopics(r *http.Request) []string {
	topicsParam := r.URL.Query().Get("topics")
	if topicsParam == "" {
		return nil
	}
	parts := strings.Split(topicsParam, ",")
	topics := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			topics = append(topics, p)
		}
	}
	return topics
}

func (h *Hub) subscribeStream(topics []string) *streamSub {
	sub := &streamSub{
		ch:     make(chan []byte, 64),
		topics: make(map[string]bool, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	h.mu.Lock()
	h.streams[sub] = true
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribeStream(sub *streamSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[sub]; ok {
		delete(h.streams, sub)
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
	}
}
