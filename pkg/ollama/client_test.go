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

func chatServer(t *testing.T, content string, status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llava", req["model"])

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"model not found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "llava",
			"message": map[string]any{"role": "assistant", "content": content},
			"done":    true,
		})
	}))
}

func TestAnalyzeImage(t *testing.T) {
	srv := chatServer(t, `{"animals":[{"label":"cat","confidence":0.93,"box":{"x":0.1,"y":0.1,"w":0.5,"h":0.6}}],"description":"a cat","tags":["cat"]}`, http.StatusOK)
	defer srv.Close()

	c, err := NewClient(srv.URL + "/api/chat")
	require.NoError(t, err)

	img := base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff})
	res, err := c.AnalyzeImage(context.Background(), "llava", "find pets", img)
	require.NoError(t, err)
	require.Len(t, res.Animals, 1)
	assert.Equal(t, "cat", res.Animals[0].Label)
	assert.InDelta(t, 0.6, res.Animals[0].Box.H, 1e-9)
}

func TestAnalyzeImage_ServerError(t *testing.T) {
	srv := chatServer(t, "", http.StatusNotFound)
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.AnalyzeImage(context.Background(), "llava", "find pets", "")
	assert.Error(t, err)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient("not a url")
	assert.Error(t, err)
}

func TestSimpleQuery_BadImage(t *testing.T) {
	c, err := NewClient("http://localhost:11434")
	require.NoError(t, err)
	_, err = c.SimpleQuery(context.Background(), "llava", "hi", "%%%")
	assert.Error(t, err)
}
