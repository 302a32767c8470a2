package model

import "time"

// PartySession 派对会话
// 一个会话 = 一个 host 的歌单 + 若干参与者 + 当前回合状态
type PartySession struct {
	Code              string     `json:"code" gorm:"primaryKey;size:6"`
	HostUserID        int64      `json:"hostUserId" gorm:"index;not null"`
	Initialized       bool       `json:"initialized" gorm:"default:false"`
	VotingAllowed     bool       `json:"votingAllowed" gorm:"default:false"`
	PlaybackStartedAt *time.Time `json:"playbackStartedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// TableName 指定表名
func (PartySession) TableName() string {
	return "party_sessions"
}

// SessionTrack 会话内的候选歌曲
// 三个布尔标志互相独立存储：IsPlaying 每会话至多一个为真，
// IsVotable 构成当前回合的投票集合（固定 4 首）
type SessionTrack struct {
	ID          int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionCode string `json:"sessionCode" gorm:"size:6;index;not null"`
	SpotifyID   string `json:"spotifyId" gorm:"size:250;not null"`
	Title       string `json:"title" gorm:"size:150;not null"`
	Artist      string `json:"artist" gorm:"size:100"`
	CoverLink   string `json:"coverLink" gorm:"size:500"`
	DurationMs  int    `json:"durationMs" gorm:"not null"`
	Position    int    `json:"position" gorm:"not null"` // 歌单内的稳定顺序
	IsPlaying   bool   `json:"isPlaying" gorm:"default:false"`
	WasPlayed   bool   `json:"wasPlayed" gorm:"default:false"`
	IsVotable   bool   `json:"isVotable" gorm:"default:false"`
	Votes       int    `json:"votes" gorm:"default:0"`
}

// TableName 指定表名
func (SessionTrack) TableName() string {
	return "session_tracks"
}

// TitleAndArtist 前端展示用的组合名
func (t *SessionTrack) TitleAndArtist() string {
	if t.Artist == "" {
		return t.Title
	}
	return t.Title + " - " + t.Artist
}

// SessionParticipant 会话成员
// (UserID, SessionCode) 唯一；VoteTrackID 是弱引用，
// 回合滚动时由引擎负责清理
type SessionParticipant struct {
	ID          int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionCode string `json:"sessionCode" gorm:"size:6;uniqueIndex:uniq_session_user;not null"`
	UserID      int64  `json:"userId" gorm:"uniqueIndex:uniq_session_user;not null"`
	IsHost      bool   `json:"isHost" gorm:"default:false"`
	VoteTrackID *int64 `json:"voteTrackId,omitempty"`
}

// TableName 指定表名
func (SessionParticipant) TableName() string {
	return "session_participants"
}

// SessionInfo 会话快照（API 响应用）
type SessionInfo struct {
	Code             string          `json:"code"`
	Initialized      bool            `json:"initialized"`
	VotingAllowed    bool            `json:"votingAllowed"`
	ParticipantCount int             `json:"participantCount"`
	PlayingTrack     *SessionTrack   `json:"playingTrack,omitempty"`
	VotableTracks    []*SessionTrack `json:"votableTracks,omitempty"`
}
