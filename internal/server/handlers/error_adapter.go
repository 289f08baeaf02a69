package handlers

import (
	"net/http"

	apperrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/errors"
)

// HTTPErrorResponder writes err as an HTTP response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder replaces the responder handlers use for errors. nil
// restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = apperrors.RespondWithError
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
