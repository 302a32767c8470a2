package model

import "time"

// UserPlaylist host 账号下的歌单（会话创建时从选中的歌单抓取候选歌曲）
type UserPlaylist struct {
	ID         int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID     int64  `json:"userId" gorm:"index;not null"`
	SpotifyID  string `json:"spotifyId" gorm:"size:250;not null"`
	Name       string `json:"name" gorm:"size:100"`
	CoverLink  string `json:"coverLink" gorm:"size:500"`
	IsSelected bool   `json:"isSelected" gorm:"default:false"`
}

// TableName 指定表名
func (UserPlaylist) TableName() string {
	return "user_playlists"
}

// PlaybackDevice host 账号下的播放设备（回合开始时向选中设备下发播放）
type PlaybackDevice struct {
	ID         int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID     int64  `json:"userId" gorm:"index;not null"`
	SpotifyID  string `json:"spotifyId" gorm:"size:250;not null"`
	Name       string `json:"name" gorm:"size:150"`
	IsSelected bool   `json:"isSelected" gorm:"default:false"`
}

// TableName 指定表名
func (PlaybackDevice) TableName() string {
	return "playback_devices"
}

// ApiToken Spotify 访问令牌（由授权流程写入，引擎只读取并按需刷新）
type ApiToken struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID       int64     `json:"userId" gorm:"uniqueIndex;not null"`
	AccessToken  string    `json:"-" gorm:"size:500;not null"`
	RefreshToken string    `json:"-" gorm:"size:500"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (ApiToken) TableName() string {
	return "api_tokens"
}

// Expired reports whether the access token needs a refresh before use.
func (t *ApiToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now.Add(30 * time.Second))
}
