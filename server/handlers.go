package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"QFMConsole/core/autodj"
	"QFMConsole/core/engine"
	"QFMConsole/logger"
	"QFMConsole/model"

	"github.com/google/uuid"
)

// ErrorResponse 失败响应
type ErrorResponse struct {
	Error string          `json:"error"`
	Kind  model.ErrorKind `json:"kind,omitempty"`
}

// RequestBody 听众点播
type RequestBody struct {
	TrackID   string `json:"trackId"`
	RequestID string `json:"requestId,omitempty"`
}

// RequestAccepted 点播已入队
type RequestAccepted struct {
	RequestID string `json:"requestId"`
	TrackID   string `json:"trackId"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error(), Kind: model.KindOf(err)})
}

// statusFor 把引擎错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, autodj.ErrUnknownTrack):
		return http.StatusNotFound
	case errors.Is(err, autodj.ErrTransitionInFlight),
		errors.Is(err, autodj.ErrSuperseded),
		errors.Is(err, autodj.ErrNoPrevious):
		return http.StatusConflict
	case model.KindOf(err) != "":
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// StateHandler 状态快照
func (s *Server) StateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.console.State())
}

// DevicesHandler 设备列表
func (s *Server) DevicesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.console.State().Devices)
}

// TracksHandler 曲库
func (s *Server) TracksHandler(w http.ResponseWriter, r *http.Request) {
	tracks := s.console.Tracks()
	if tracks == nil {
		tracks = []model.TrackInfo{}
	}
	writeJSON(w, http.StatusOK, tracks)
}

// IntentHandler 执行一条操作
func (s *Server) IntentHandler(w http.ResponseWriter, r *http.Request) {
	var in engine.Intent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid intent: " + err.Error()})
		return
	}
	if err := s.console.Dispatch(r.Context(), in); err != nil {
		logger.Debug("intent rejected", logger.String("type", string(in.Type)), logger.ErrorField(err))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequestHandler 听众点播入队，未带 requestId 时生成一个
func (s *Server) RequestHandler(w http.ResponseWriter, r *http.Request) {
	var body RequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TrackID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "trackId is required"})
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}

	in, err := engine.NewIntent(engine.IntentEnqueue, engine.EnqueueData{TrackID: body.TrackID, RequestID: body.RequestID})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.console.Dispatch(r.Context(), in); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, RequestAccepted{RequestID: body.RequestID, TrackID: body.TrackID})
}

// ControlHandler 升级为控制通道 WebSocket
// 连接后先推送一次状态快照，之后推送全部事件，收到的消息按操作执行
func (s *Server) ControlHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("failed to upgrade control websocket", logger.ErrorField(err))
		return
	}

	client := &Client{
		Hub:  s.hub,
		Conn: conn,
		Send: make(chan []byte, sendBuffer),
		ID:   uuid.NewString(),
	}
	s.hub.Register(client)

	if state, err := json.Marshal(s.console.State()); err == nil {
		client.SendMessage(&WSMessage{Type: MsgTypeState, Data: state})
	}

	go client.WritePump()
	go client.ReadPump(context.Background(), s.handleMessage)
}

// handleMessage 控制通道消息即操作：{type, data}
func (s *Server) handleMessage(ctx context.Context, client *Client, msg *WSMessage) {
	in := engine.Intent{Type: engine.IntentType(msg.Type), Data: msg.Data}
	if err := s.console.Dispatch(ctx, in); err != nil {
		data, _ := json.Marshal(ErrorResponse{Error: err.Error(), Kind: model.KindOf(err)})
		client.SendMessage(&WSMessage{Type: MsgTypeError, Data: data})
	}
}
