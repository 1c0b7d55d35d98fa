package apperror

import (
	"encoding/json"
	"log"
	"net/http"
)

// Response is the JSON body written for every failed request.
type Response struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// Write maps err to its HTTP status and writes a Response. Internal errors
// are logged and reported with a generic message.
func Write(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	if kind == KindInternal {
		log.Printf("[http] internal error: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.Status())
	_ = json.NewEncoder(w).Encode(Response{Status: false, Message: Message(err)})
}
