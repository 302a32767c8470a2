package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"AuxParty/config"
	"AuxParty/model"
)

// Client Spotify Web API 客户端
// 引擎只消费三个能力：抓取候选歌曲、下发播放、刷新令牌
type Client struct {
	apiURL       string
	accountsURL  string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewClient 创建新的API客户端
func NewClient(cfg *config.Config) *Client {
	return &Client{
		apiURL:       cfg.SpotifyAPIURL,
		accountsURL:  cfg.SpotifyAccountsURL,
		clientID:     cfg.SpotifyClientID,
		clientSecret: cfg.SpotifyClientSecret,
		httpClient: &http.Client{
			Timeout: time.Second * 10,
		},
	}
}

// SetTimeout 设置请求超时时间
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// ========== 歌单 ==========

// FetchPlaylistTracks 抓取歌单内全部歌曲，作为会话的候选目录
// 返回顺序即歌单顺序，Position 依次递增
func (c *Client) FetchPlaylistTracks(ctx context.Context, accessToken, playlistID string) ([]*model.SessionTrack, error) {
	endpoint := fmt.Sprintf("%s/playlists/%s/tracks?limit=100", c.apiURL, url.PathEscape(playlistID))

	var result struct {
		Items []struct {
			Track struct {
				ID      string `json:"id"`
				Name    string `json:"name"`
				Artists []struct {
					Name string `json:"name"`
				} `json:"artists"`
				DurationMs int `json:"duration_ms"`
				Album      struct {
					Images []struct {
						URL string `json:"url"`
					} `json:"images"`
				} `json:"album"`
			} `json:"track"`
		} `json:"items"`
	}

	if err := c.getJSON(ctx, endpoint, accessToken, &result); err != nil {
		return nil, fmt.Errorf("获取歌单歌曲失败: %w", err)
	}

	tracks := make([]*model.SessionTrack, 0, len(result.Items))
	for i, item := range result.Items {
		t := item.Track
		if t.ID == "" || t.DurationMs <= 0 {
			// 本地曲目或已下架的条目没有可播放的ID，跳过
			continue
		}

		artistNames := make([]string, 0, len(t.Artists))
		for _, a := range t.Artists {
			artistNames = append(artistNames, a.Name)
		}

		cover := ""
		if len(t.Album.Images) > 0 {
			cover = t.Album.Images[0].URL
		}

		tracks = append(tracks, &model.SessionTrack{
			SpotifyID:  t.ID,
			Title:      t.Name,
			Artist:     strings.Join(artistNames, ", "),
			CoverLink:  cover,
			DurationMs: t.DurationMs,
			Position:   i,
		})
	}

	return tracks, nil
}

// FetchPlaylists 抓取用户歌单列表
func (c *Client) FetchPlaylists(ctx context.Context, accessToken string) ([]*model.UserPlaylist, error) {
	endpoint := fmt.Sprintf("%s/me/playlists?limit=50", c.apiURL)

	var result struct {
		Items []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Images []struct {
				URL string `json:"url"`
			} `json:"images"`
		} `json:"items"`
	}

	if err := c.getJSON(ctx, endpoint, accessToken, &result); err != nil {
		return nil, fmt.Errorf("获取歌单列表失败: %w", err)
	}

	playlists := make([]*model.UserPlaylist, 0, len(result.Items))
	for _, item := range result.Items {
		cover := ""
		if len(item.Images) > 0 {
			cover = item.Images[0].URL
		}
		playlists = append(playlists, &model.UserPlaylist{
			SpotifyID: item.ID,
			Name:      item.Name,
			CoverLink: cover,
		})
	}
	return playlists, nil
}

// ========== 设备与播放 ==========

// FetchDevices 抓取用户可用播放设备
func (c *Client) FetchDevices(ctx context.Context, accessToken string) ([]*model.PlaybackDevice, error) {
	endpoint := fmt.Sprintf("%s/me/player/devices", c.apiURL)

	var result struct {
		Devices []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"devices"`
	}

	if err := c.getJSON(ctx, endpoint, accessToken, &result); err != nil {
		return nil, fmt.Errorf("获取设备列表失败: %w", err)
	}

	devices := make([]*model.PlaybackDevice, 0, len(result.Devices))
	for _, d := range result.Devices {
		devices = append(devices, &model.PlaybackDevice{
			SpotifyID: d.ID,
			Name:      d.Name,
		})
	}
	return devices, nil
}

// StartPlayback 在指定设备上播放一首歌
// 失败只上报给调用方记录日志，回合时钟照常推进
func (c *Client) StartPlayback(ctx context.Context, accessToken, deviceID, trackSpotifyID string) error {
	endpoint := fmt.Sprintf("%s/me/player/play", c.apiURL)
	if deviceID != "" {
		endpoint += "?device_id=" + url.QueryEscape(deviceID)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"uris": []string{"spotify:track:" + trackSpotifyID},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("播放接口返回错误状态码: %d", resp.StatusCode)
	}
	return nil
}

// ========== 令牌 ==========

// RefreshToken 用 refresh token 换取新的 access token
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.accountsURL+"/api/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("创建请求失败: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("令牌刷新返回错误状态码: %d", resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", time.Time{}, fmt.Errorf("解析响应失败: %w", err)
	}
	if result.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("令牌刷新响应缺少 access_token")
	}

	return result.AccessToken, time.Now().Add(time.Duration(result.ExpiresIn) * time.Second), nil
}

// getJSON GET 请求并解析 JSON 响应
func (c *Client) getJSON(ctx context.Context, endpoint, accessToken string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API返回错误状态码: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}
