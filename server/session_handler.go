package server

import (
	"errors"
	"net/http"
	"strings"

	"AuxParty/core/auth"
	"AuxParty/core/party"
	"AuxParty/logger"
	"AuxParty/model"

	"github.com/gorilla/mux"
)

// CreateSessionResponse 创建派对响应
type CreateSessionResponse struct {
	Session *model.PartySession `json:"session"`
}

// CreateSessionHandler 创建派对会话
// 候选歌曲从 host 选中的歌单抓取，歌太少直接拒绝
func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	host, err := h.userRepo.GetByID(ctx, userID)
	if err != nil || host == nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	session, err := h.engine.CreateSession(ctx, host)
	if err != nil {
		if errors.Is(err, party.ErrCatalogTooSmall) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		logger.Error("创建派对失败", logger.Int64("host", userID), logger.ErrorField(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, &CreateSessionResponse{Session: session})
}

// GetSessionHandler 查询派对状态（加入前探测派对码用）
func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	code := strings.ToUpper(vars["code"])

	if code == "" {
		http.Error(w, "派对码不能为空", http.StatusBadRequest)
		return
	}

	info, err := h.engine.GetSessionInfo(ctx, code)
	if err != nil {
		if errors.Is(err, party.ErrSessionNotFound) {
			http.Error(w, "派对不存在", http.StatusNotFound)
			return
		}
		logger.Error("查询派对失败", logger.String("session", code), logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// ========== WebSocket 处理器 ==========

// WebSocketHandler 处理 WebSocket 连接
// token 走查询参数（WebSocket 无法通过 header 传递），
// 派对码无效就不升级连接
func (h *APIHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	code := strings.ToUpper(vars["code"])

	if code == "" {
		http.Error(w, "派对码不能为空", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "缺少认证信息", http.StatusUnauthorized)
		return
	}
	claims, err := auth.ParseToken(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	exists, err := h.engine.SessionExists(r.Context(), code)
	if err != nil {
		logger.Error("查询派对失败", logger.String("session", code), logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "派对不存在", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket 升级失败", logger.ErrorField(err))
		return
	}

	client := &party.Client{
		Hub:        h.hub,
		Conn:       conn,
		Send:       make(chan []byte, 256),
		Code:       code,
		UserID:     claims.UserID,
		Identifier: claims.Identifier,
		Username:   claims.Username,
	}

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	logger.Info("WebSocket 连接建立",
		logger.String("session", code),
		logger.Int64("userId", claims.UserID),
		logger.String("username", claims.Username))
}
