package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/socio-bridge/pkg/dispatch"
	"github.com/go-go-golems/socio-bridge/pkg/relay"
)

const maxRequestBody = 64 << 10

func (s *Server) handleMessage(w http.ResponseWriter, req *http.Request) {
	var msg dispatch.Request
	if err := json.NewDecoder(io.LimitReader(req.Body, maxRequestBody)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err, ""))
		return
	}
	resp, err := s.dispatcher.Dispatch(req.Context(), msg)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dispatch.ErrBadRequest) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse(err, msg.ID))
		return
	}
	writeJSON(w, http.StatusOK, withReplyTo(resp, msg.ID))
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	resp, err := s.dispatcher.Dispatch(req.Context(), dispatch.Request{Action: dispatch.ActionGetStatus})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err, ""))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	id := s.pool.Add(conn)
	wsLog := log.With().Str("component", "ws").Str("subscriber", id).Str("remote", req.RemoteAddr).Logger()
	wsLog.Info().Int("subscribers", s.pool.Count()).Msg("ws connected")

	ctx := req.Context()
	if st, err := s.coordinator.Snapshot(ctx); err == nil {
		s.sendJSON(conn, relay.NewBackendStatusChanged(st.BackendRunning))
	}
	if b, err := s.dispatcher.Badge(ctx); err == nil {
		s.sendJSON(conn, relay.NewBadgeChanged(b.Text, b.Color))
	}

	defer s.pool.Remove(conn)
	defer wsLog.Info().Msg("ws disconnected")
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
			s.pool.SendToOne(conn, []byte(`{"action":"pong"}`))
			continue
		}

		var msg dispatch.Request
		if err := json.Unmarshal(data, &msg); err != nil {
			wsLog.Debug().Err(err).Msg("ws invalid message")
			s.sendJSON(conn, errorResponse(err, ""))
			continue
		}
		resp, err := s.dispatcher.Dispatch(ctx, msg)
		if err != nil {
			wsLog.Warn().Err(err).Str("action", msg.Action).Msg("ws dispatch failed")
			s.sendJSON(conn, errorResponse(err, msg.ID))
			continue
		}
		s.sendJSON(conn, withReplyTo(resp, msg.ID))
	}
}

func (s *Server) sendJSON(conn relay.Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("component", "ws").Msg("ws marshal failed")
		return
	}
	s.pool.SendToOne(conn, b)
}

func withReplyTo(resp dispatch.Response, id string) dispatch.Response {
	if id == "" {
		return resp
	}
	out := make(dispatch.Response, len(resp)+1)
	for k, v := range resp {
		out[k] = v
	}
	out["replyTo"] = id
	return out
}

func errorResponse(err error, id string) dispatch.Response {
	return withReplyTo(dispatch.Response{"success": false, "error": err.Error()}, id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("response write failed")
	}
}
