package response

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Error    bool        `json:"error"`
	Message  string      `json:"message,omitempty"`
	Messages []string    `json:"messages,omitempty"`
	Result   interface{} `json:"result"`
}

// WriteError writes the Error as a JSON envelope with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	writeJSON(w, e.StatusCode, envelope{
		Error:    true,
		Message:  e.Message,
		Messages: e.Messages,
		Result:   e.Result,
	})
}

// WriteResponse writes result as a successful JSON envelope
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	writeJSON(w, http.StatusOK, envelope{
		Result: result,
	})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
