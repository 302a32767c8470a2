package party

import (
	"encoding/json"
	"testing"

	"AuxParty/model"
)

// 下行字段名是和前端的固定约定，动了就是断协议
func TestEventWireFormat(t *testing.T) {
	playing := &model.SessionTrack{
		SpotifyID:  "t1",
		Title:      "One",
		Artist:     "A",
		CoverLink:  "http://img/1",
		DurationMs: 180000,
	}
	votable := []*model.SessionTrack{
		{SpotifyID: "t2", Title: "Two", DurationMs: 200000, Votes: 3},
	}
	started := int64(1700000000000)

	data, err := newRoundEvent(EventSessionInit, playing, votable, &started).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded["type"] != "session_init" {
		t.Fatalf("unexpected type %v", decoded["type"])
	}

	ps, ok := decoded["playing_song"].(map[string]interface{})
	if !ok {
		t.Fatal("missing playing_song")
	}
	for _, key := range []string{"title_and_artist", "length", "song_id", "cover_link"} {
		if _, ok := ps[key]; !ok {
			t.Fatalf("playing_song missing key %q", key)
		}
	}
	if ps["title_and_artist"] != "One - A" {
		t.Fatalf("unexpected display name %v", ps["title_and_artist"])
	}

	vs, ok := decoded["votable_songs"].([]interface{})
	if !ok || len(vs) != 1 {
		t.Fatal("missing votable_songs")
	}
	song := vs[0].(map[string]interface{})
	if song["votes"] != float64(3) {
		t.Fatalf("unexpected votes %v", song["votes"])
	}
	if _, ok := decoded["playback_started"]; !ok {
		t.Fatal("missing playback_started")
	}
}

func TestVotesRefreshOmitsPlaying(t *testing.T) {
	data, err := newVotesRefreshEvent([]*model.SessionTrack{
		{SpotifyID: "t2", Title: "Two", DurationMs: 200000},
	}).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded map[string]interface{}
	json.Unmarshal(data, &decoded)

	if decoded["type"] != "votes_refresh" {
		t.Fatalf("unexpected type %v", decoded["type"])
	}
	if _, ok := decoded["playing_song"]; ok {
		t.Fatal("votes_refresh must not carry playing_song")
	}
	if _, ok := decoded["playback_started"]; ok {
		t.Fatal("votes_refresh must not carry playback_started")
	}
}

func TestForceDisconnectIsBare(t *testing.T) {
	data, err := newForceDisconnectEvent().Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]interface{}
	json.Unmarshal(data, &decoded)
	if len(decoded) != 1 || decoded["type"] != "force_disconnect" {
		t.Fatalf("unexpected payload %v", decoded)
	}
}
