package wire

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/excelwang/fustor-sub003/internal/fserrors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func readJSON(r *http.Request, out any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(out)
}

// statusForReceiveErr maps internal/fserrors sentinels to the HTTP status
// codes spec.md §7's "user-visible behavior" names.
func statusForReceiveErr(err error) int {
	switch {
	case errors.Is(err, fserrors.ErrSessionObsoleted):
		return 419
	case errors.Is(err, fserrors.ErrRoleConflict):
		return http.StatusConflict
	case fserrors.IsTransientBufferFull(err):
		return 429
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
