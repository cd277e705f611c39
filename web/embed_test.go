package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSPAHandler(t *testing.T) {
	h := SPAHandler()

	tests := []struct {
		name        string
		path        string
		wantStatus  int
		wantContain string
	}{
		{"root", "/", http.StatusOK, "AI Memoir Co-Writer"},
		{"client route falls back to index", "/memoir/part/2", http.StatusOK, "Your Memoir So Far"},
		{"unknown api path", "/api/nope", http.StatusNotFound, "not_found"},
		{"unknown ws path", "/ws/nope", http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantContain)
		})
	}
}

func TestSPAHandlerIndexNotCached(t *testing.T) {
	rec := httptest.NewRecorder()
	SPAHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}
