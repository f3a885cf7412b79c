package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeOllama(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llava", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "llava",
			"message": map[string]any{"role": "assistant", "content": reply},
			"done":    true,
		})
	}))
}

func TestDescribeDamage(t *testing.T) {
	srv := fakeOllama(t, `{"damage": true, "kind": "dent", "note": "Dent above the wheel arch"}`)
	defer srv.Close()

	c, err := NewClient(srv.URL + "/api/chat")
	require.NoError(t, err)

	img := base64.StdEncoding.EncodeToString([]byte("jpeg"))
	report, err := c.DescribeDamage(context.Background(), "llava", "describe", img)
	require.NoError(t, err)
	assert.True(t, report.Damage)
	assert.Equal(t, "dent", report.Kind)
	assert.Equal(t, "Dent above the wheel arch", report.Note)
}

func TestSimpleQueryRejectsBadImage(t *testing.T) {
	c, err := NewClient("http://localhost:11434")
	require.NoError(t, err)

	_, err = c.SimpleQuery(context.Background(), "llava", "hi", "not base64!")
	assert.Error(t, err)
}

func TestNewClientRequiresHost(t *testing.T) {
	_, err := NewClient("localhost")
	assert.Error(t, err)
}
