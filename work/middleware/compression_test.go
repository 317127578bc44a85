package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestGzipCompressesForSupportingClients(t *testing.T) {
	handler := Gzip(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"Online"}`)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, `{"status":"Online"}`, string(body))
}

func TestGzipPassesThroughWithoutSupport(t *testing.T) {
	handler := Gzip(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "plain")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Empty(t, rec.Header().Get("Content-Encoding"))
	require.Equal(t, "plain", rec.Body.String())
}

func TestGzipPreservesStatusCode(t *testing.T) {
	handler := Gzip(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
}
