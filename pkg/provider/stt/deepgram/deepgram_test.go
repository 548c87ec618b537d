package deepgram

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/talhawkk/voicechat/pkg/provider/stt"
)

func newTestServer(t *testing.T, body string, gotAudio *[]byte, gotQuery *map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Token test-key" {
			t.Errorf("authorization header = %q", auth)
		}
		if gotAudio != nil {
			data, _ := io.ReadAll(r.Body)
			*gotAudio = data
		}
		if gotQuery != nil {
			q := map[string]string{}
			for k := range r.URL.Query() {
				q[k] = r.URL.Query().Get(k)
			}
			*gotQuery = q
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribe(t *testing.T) {
	var gotAudio []byte
	var gotQuery map[string]string
	srv := newTestServer(t, `{
		"results": {"channels": [{
			"detected_language": "en",
			"alternatives": [{"transcript": "hello there"}]
		}]}
	}`, &gotAudio, &gotQuery)

	tr, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pcm := []byte{1, 2, 3, 4}
	got, err := tr.Transcribe(t.Context(), pcm, 48000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "hello there" {
		t.Errorf("text = %q, want %q", got.Text, "hello there")
	}
	if got.Language != "en" {
		t.Errorf("language = %q, want en", got.Language)
	}
	if string(gotAudio) != string(pcm) {
		t.Errorf("audio body = %v, want %v", gotAudio, pcm)
	}
	if gotQuery["sample_rate"] != "48000" || gotQuery["encoding"] != "linear16" {
		t.Errorf("format params = %v", gotQuery)
	}
	if gotQuery["detect_language"] != "true" {
		t.Errorf("detect_language not requested: %v", gotQuery)
	}
}

func TestTranscribe_EmptyTranscriptIsNoSpeech(t *testing.T) {
	srv := newTestServer(t, `{
		"results": {"channels": [{"alternatives": [{"transcript": ""}]}]}
	}`, nil, nil)

	tr, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = tr.Transcribe(t.Context(), []byte{0, 0}, 48000)
	if !errors.Is(err, stt.ErrNoSpeech) {
		t.Fatalf("error = %v, want ErrNoSpeech", err)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	tr, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = tr.Transcribe(t.Context(), []byte{0, 0}, 48000)
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
	if errors.Is(err, stt.ErrNoSpeech) {
		t.Fatal("server failure must not be reported as no-speech")
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestTranscribe_PinnedLanguage(t *testing.T) {
	var gotQuery map[string]string
	srv := newTestServer(t, `{
		"results": {"channels": [{"alternatives": [{"transcript": "hallo"}]}]}
	}`, nil, &gotQuery)

	tr, err := New("test-key", WithBaseURL(srv.URL), WithLanguage("de"), WithModel("base"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tr.Transcribe(t.Context(), []byte{0, 0}, 16000); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if gotQuery["language"] != "de" {
		t.Errorf("language param = %q, want de", gotQuery["language"])
	}
	if _, ok := gotQuery["detect_language"]; ok {
		t.Error("detect_language set despite pinned language")
	}
	if gotQuery["model"] != "base" {
		t.Errorf("model = %q, want base", gotQuery["model"])
	}
}
