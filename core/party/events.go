package party

import (
	"encoding/json"

	"AuxParty/model"
)

// EventType 下行事件类型
type EventType string

const (
	// EventSessionInit 首个回合开始，广播给全员
	EventSessionInit EventType = "session_init"
	// EventSessionRefresh 回合滚动，携带新的播放歌曲与候选集合
	EventSessionRefresh EventType = "session_refresh"
	// EventUserSessionInit 迟到者的单播补状态，不影响其他人
	EventUserSessionInit EventType = "user_session_init"
	// EventVotesRefresh 票数变化，只携带候选集合
	EventVotesRefresh EventType = "votes_refresh"
	// EventForceDisconnect 会话解散，客户端应断开
	EventForceDisconnect EventType = "force_disconnect"
)

// PlayingSong 正在播放的歌曲（下行字段按前端协议命名）
type PlayingSong struct {
	TitleAndArtist string `json:"title_and_artist"`
	Length         int    `json:"length"`
	SongID         string `json:"song_id"`
	CoverLink      string `json:"cover_link"`
}

// VotableSong 候选歌曲及其当前票数
type VotableSong struct {
	TitleAndArtist string `json:"title_and_artist"`
	Length         int    `json:"length"`
	SongID         string `json:"song_id"`
	CoverLink      string `json:"cover_link"`
	Votes          int    `json:"votes"`
}

// Event 下行事件
// 一个类型字段加按需填充的载荷，全部出口共用一个编码器，
// 取代早期原型里字典转字符串再替换引号的做法
type Event struct {
	Type            EventType     `json:"type"`
	PlayingSong     *PlayingSong  `json:"playing_song,omitempty"`
	VotableSongs    []VotableSong `json:"votable_songs,omitempty"`
	PlaybackStarted *int64        `json:"playback_started,omitempty"`
}

// Encode 序列化事件
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// newPlayingSong 从歌曲模型构建下行载荷
func newPlayingSong(t *model.SessionTrack) *PlayingSong {
	if t == nil {
		return nil
	}
	return &PlayingSong{
		TitleAndArtist: t.TitleAndArtist(),
		Length:         t.DurationMs,
		SongID:         t.SpotifyID,
		CoverLink:      t.CoverLink,
	}
}

// newVotableSongs 从候选集合构建下行载荷（保持目录顺序）
func newVotableSongs(tracks []*model.SessionTrack) []VotableSong {
	songs := make([]VotableSong, 0, len(tracks))
	for _, t := range tracks {
		songs = append(songs, VotableSong{
			TitleAndArtist: t.TitleAndArtist(),
			Length:         t.DurationMs,
			SongID:         t.SpotifyID,
			CoverLink:      t.CoverLink,
			Votes:          t.Votes,
		})
	}
	return songs
}

// newRoundEvent 构建携带完整回合状态的事件
func newRoundEvent(eventType EventType, playing *model.SessionTrack, votable []*model.SessionTrack, playbackStarted *int64) *Event {
	return &Event{
		Type:            eventType,
		PlayingSong:     newPlayingSong(playing),
		VotableSongs:    newVotableSongs(votable),
		PlaybackStarted: playbackStarted,
	}
}

// newVotesRefreshEvent 构建只携带候选集合的票数刷新事件
func newVotesRefreshEvent(votable []*model.SessionTrack) *Event {
	return &Event{
		Type:         EventVotesRefresh,
		VotableSongs: newVotableSongs(votable),
	}
}

// newForceDisconnectEvent 构建解散事件
func newForceDisconnectEvent() *Event {
	return &Event{Type: EventForceDisconnect}
}
