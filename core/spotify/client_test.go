package spotify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"AuxParty/config"
)

func newTestClient(apiURL, accountsURL string) *Client {
	return NewClient(&config.Config{
		SpotifyAPIURL:       apiURL,
		SpotifyAccountsURL:  accountsURL,
		SpotifyClientID:     "client-id",
		SpotifyClientSecret: "client-secret",
	})
}

func TestFetchPlaylistTracks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/playlists/pl-1/tracks" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"items": [
				{"track": {"id": "t1", "name": "One", "duration_ms": 180000,
					"artists": [{"name": "A"}, {"name": "B"}],
					"album": {"images": [{"url": "http://img/1"}]}}},
				{"track": {"id": "", "name": "Local File", "duration_ms": 0}},
				{"track": {"id": "t3", "name": "Three", "duration_ms": 240000,
					"artists": [{"name": "C"}], "album": {"images": []}}}
			]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	tracks, err := c.FetchPlaylistTracks(context.Background(), "token-1", "pl-1")
	if err != nil {
		t.Fatalf("fetch tracks: %v", err)
	}

	// 没有可播放ID的本地曲目被跳过
	if len(tracks) != 2 {
		t.Fatalf("expected 2 playable tracks, got %d", len(tracks))
	}
	if tracks[0].SpotifyID != "t1" || tracks[0].Artist != "A, B" || tracks[0].CoverLink != "http://img/1" {
		t.Fatalf("unexpected first track %+v", tracks[0])
	}
	if tracks[1].SpotifyID != "t3" || tracks[1].CoverLink != "" {
		t.Fatalf("unexpected second track %+v", tracks[1])
	}
	if tracks[0].TitleAndArtist() != "One - A, B" {
		t.Fatalf("unexpected display name %q", tracks[0].TitleAndArtist())
	}
}

func TestStartPlayback(t *testing.T) {
	var gotMethod, gotDevice string
	var gotBody struct {
		URIs []string `json:"uris"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotDevice = r.URL.Query().Get("device_id")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	if err := c.StartPlayback(context.Background(), "token-1", "dev-1", "t1"); err != nil {
		t.Fatalf("start playback: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Fatalf("expected PUT, got %s", gotMethod)
	}
	if gotDevice != "dev-1" {
		t.Fatalf("expected device dev-1, got %q", gotDevice)
	}
	if len(gotBody.URIs) != 1 || gotBody.URIs[0] != "spotify:track:t1" {
		t.Fatalf("unexpected uris %v", gotBody.URIs)
	}
}

func TestStartPlaybackErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	if err := c.StartPlayback(context.Background(), "token-1", "", "t1"); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			t.Errorf("missing or wrong basic auth")
		}
		r.ParseForm()
		if r.PostFormValue("grant_type") != "refresh_token" || r.PostFormValue("refresh_token") != "rt-1" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "new-token", "expires_in": 3600}`))
	}))
	defer srv.Close()

	c := newTestClient("", srv.URL)
	access, expiresAt, err := c.RefreshToken(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("refresh token: %v", err)
	}
	if access != "new-token" {
		t.Fatalf("unexpected access token %q", access)
	}
	if expiresAt.IsZero() {
		t.Fatal("expected a future expiry")
	}
}
