package spotify

import (
	"context"
	"fmt"
	"time"

	"AuxParty/logger"
	"AuxParty/model"
	"AuxParty/repository"
)

// PlaybackService 把引擎的"给 host 放这首歌"请求翻译成 Spotify 调用：
// 解析 host 的访问令牌（过期则刷新）、找到选中设备、下发播放。
// 任何一步失败都只返回错误，由调用方记录；回合状态不受影响。
type PlaybackService struct {
	client *Client
	repo   repository.SpotifyRepository
}

// NewPlaybackService 创建播放服务
func NewPlaybackService(client *Client, repo repository.SpotifyRepository) *PlaybackService {
	return &PlaybackService{client: client, repo: repo}
}

// ResolveAccessToken 解析 host 的可用访问令牌
// 令牌缺失或刷新失败时返回错误，调用方按"跳过播放，继续回合"处理
func (s *PlaybackService) ResolveAccessToken(ctx context.Context, userID int64) (string, error) {
	token, err := s.repo.GetToken(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("读取令牌失败: %w", err)
	}
	if token == nil {
		return "", fmt.Errorf("用户未关联 Spotify 账号")
	}

	if !token.Expired(time.Now()) {
		return token.AccessToken, nil
	}

	access, expiresAt, err := s.client.RefreshToken(ctx, token.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("刷新令牌失败: %w", err)
	}

	token.AccessToken = access
	token.ExpiresAt = expiresAt
	if err := s.repo.SaveToken(ctx, token); err != nil {
		// 刷新成功但落库失败：本次仍可用，下次会再刷新一遍
		logger.Warn("保存刷新后的令牌失败",
			logger.ErrorField(err),
			logger.Int64("userId", userID))
	}
	return access, nil
}

// Start 在 host 的选中设备上播放指定歌曲
func (s *PlaybackService) Start(ctx context.Context, hostUserID int64, trackSpotifyID string) error {
	access, err := s.ResolveAccessToken(ctx, hostUserID)
	if err != nil {
		return err
	}

	device, err := s.repo.GetSelectedDevice(ctx, hostUserID)
	if err != nil {
		return fmt.Errorf("读取选中设备失败: %w", err)
	}

	deviceID := ""
	if device != nil {
		deviceID = device.SpotifyID
	}

	return s.client.StartPlayback(ctx, access, deviceID, trackSpotifyID)
}

// FetchCandidateTracks 按 host 选中的歌单抓取候选歌曲
func (s *PlaybackService) FetchCandidateTracks(ctx context.Context, hostUserID int64) ([]*model.SessionTrack, error) {
	access, err := s.ResolveAccessToken(ctx, hostUserID)
	if err != nil {
		return nil, err
	}

	playlist, err := s.repo.GetSelectedPlaylist(ctx, hostUserID)
	if err != nil {
		return nil, fmt.Errorf("读取选中歌单失败: %w", err)
	}
	if playlist == nil {
		return nil, fmt.Errorf("尚未选择歌单")
	}

	return s.client.FetchPlaylistTracks(ctx, access, playlist.SpotifyID)
}
