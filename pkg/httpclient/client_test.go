package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSigner stamps each attempt so the server can tell them apart.
type countingSigner struct{ calls atomic.Int32 }

func (s *countingSigner) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("X-Sign-Attempt", strconv.Itoa(int(s.calls.Add(1))))
	return nil
}

func TestPost_RetryRebuildsBodyAndSignature(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	var attempts []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		attempts = append(attempts, r.Header.Get("X-Sign-Attempt"))
		n := len(bodies)
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second, &countingSigner{})

	resp, err := c.Post(context.Background(), "/order", map[string]string{"symbol": "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(resp))

	// The retry carries the full body again, signed for that attempt
	require.Len(t, bodies, 2)
	assert.NotEmpty(t, bodies[0])
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, []string{"1", "2"}, attempts)
}

func TestGet_ErrorStatusSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, 5*time.Second, nil)

	_, err := c.Get(context.Background(), "/price", map[string]string{"symbol": "NOPE"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, string(apiErr.Body), "Invalid symbol")
}
