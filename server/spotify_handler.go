package server

import (
	"encoding/json"
	"net/http"
	"time"

	"AuxParty/logger"
	"AuxParty/model"
)

// ConnectTokenRequest Spotify 授权回调后前端提交的令牌
type ConnectTokenRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"` // 秒
}

// ConnectTokenHandler 保存 host 的 Spotify 访问令牌
// 授权码交换在前端完成，后端只托管令牌并负责续期
func (h *APIHandler) ConnectTokenHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	var req ConnectTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccessToken == "" {
		http.Error(w, "accessToken is required", http.StatusBadRequest)
		return
	}
	if req.ExpiresIn <= 0 {
		req.ExpiresIn = 3600
	}

	token := &model.ApiToken{
		UserID:       userID,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(req.ExpiresIn) * time.Second),
	}
	if err := h.spotifyRepo.SaveToken(r.Context(), token); err != nil {
		logger.Error("保存Spotify令牌失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	logger.Info("Spotify账号已关联", logger.Int64("user", userID))
	writeJSON(w, http.StatusOK, map[string]string{"message": "spotify account linked"})
}

// GetPlaylistsHandler 拉取并返回 host 的歌单
// 每次都从 Spotify 同步一遍再落库，保证选歌单时看到的是最新列表
func (h *APIHandler) GetPlaylistsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	accessToken, err := h.playback.ResolveAccessToken(ctx, userID)
	if err != nil {
		logger.Warn("获取Spotify令牌失败", logger.Int64("user", userID), logger.ErrorField(err))
		http.Error(w, "Spotify account not linked", http.StatusPreconditionFailed)
		return
	}

	playlists, err := h.spotify.FetchPlaylists(ctx, accessToken)
	if err != nil {
		logger.Error("拉取歌单失败", logger.ErrorField(err))
		http.Error(w, "Failed to fetch playlists", http.StatusBadGateway)
		return
	}

	if err := h.spotifyRepo.ReplacePlaylists(ctx, userID, playlists); err != nil {
		logger.Error("保存歌单失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	stored, err := h.spotifyRepo.ListPlaylists(ctx, userID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// SelectRequest 选中一个歌单或设备
type SelectRequest struct {
	ID int64 `json:"id"`
}

// SelectPlaylistHandler 选中歌单，创建派对时从这里抓候选歌曲
func (h *APIHandler) SelectPlaylistHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.spotifyRepo.SelectPlaylist(ctx, userID, req.ID); err != nil {
		logger.Error("选中歌单失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "playlist selected"})
}

// GetDevicesHandler 拉取并返回 host 的播放设备
func (h *APIHandler) GetDevicesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	accessToken, err := h.playback.ResolveAccessToken(ctx, userID)
	if err != nil {
		http.Error(w, "Spotify account not linked", http.StatusPreconditionFailed)
		return
	}

	devices, err := h.spotify.FetchDevices(ctx, accessToken)
	if err != nil {
		logger.Error("拉取设备失败", logger.ErrorField(err))
		http.Error(w, "Failed to fetch devices", http.StatusBadGateway)
		return
	}

	if err := h.spotifyRepo.ReplaceDevices(ctx, userID, devices); err != nil {
		logger.Error("保存设备失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	stored, err := h.spotifyRepo.ListDevices(ctx, userID)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// SelectDeviceHandler 选中播放设备，回合起播都发往这台设备
func (h *APIHandler) SelectDeviceHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := GetUserIDFromContext(ctx)
	if err != nil {
		http.Error(w, "未授权", http.StatusUnauthorized)
		return
	}

	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.spotifyRepo.SelectDevice(ctx, userID, req.ID); err != nil {
		logger.Error("选中设备失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "device selected"})
}
