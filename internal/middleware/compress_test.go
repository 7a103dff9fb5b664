package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compressed(body string) *gin.Engine {
	r := gin.New()
	r.Use(Compress(64))
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, body) })
	return r
}

func get(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCompress_LargeBody(t *testing.T) {
	body := strings.Repeat(`{"question":"q1","code":"print(1)"}`, 20)
	w := get(compressed(body), map[string]string{"Accept-Encoding": "gzip, br;q=0.9"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "br", w.Header().Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", w.Header().Get("Vary"))

	plain, err := io.ReadAll(brotli.NewReader(w.Body))
	require.NoError(t, err)
	assert.Equal(t, body, string(plain))
}

func TestCompress_SmallBodyStaysPlain(t *testing.T) {
	w := get(compressed("ok"), map[string]string{"Accept-Encoding": "br"})

	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "ok", w.Body.String())
}

func TestCompress_Skips(t *testing.T) {
	body := strings.Repeat("x", 200)
	tests := map[string]map[string]string{
		"no br":        {"Accept-Encoding": "gzip"},
		"event stream": {"Accept-Encoding": "br", "Accept": "text/event-stream"},
		"websocket":    {"Accept-Encoding": "br", "Upgrade": "websocket"},
	}
	for name, headers := range tests {
		t.Run(name, func(t *testing.T) {
			w := get(compressed(body), headers)
			assert.Empty(t, w.Header().Get("Content-Encoding"))
			assert.Equal(t, body, w.Body.String())
		})
	}
}
