package comfy

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// newRawServer answers every request with the same status and body.
func newRawServer(t *testing.T, code int, body string) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts.URL
}
