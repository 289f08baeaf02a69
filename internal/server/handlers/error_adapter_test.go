package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	defer ResetHTTPErrorResponder()

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest("GET", "/test", nil), assert.AnError)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, assert.AnError, captured)
}

func TestSetHTTPErrorResponder_NilRestoresDefault(t *testing.T) {
	defer ResetHTTPErrorResponder()

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusTeapot)
	})
	SetHTTPErrorResponder(nil)

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest("GET", "/test", nil), assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
