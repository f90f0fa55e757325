package types

import (
	"encoding/json"
	"net/http"
)

// WriteError writes resp as JSON with the status code of its type.
func WriteError(w http.ResponseWriter, resp *ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Error.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(resp)
}
