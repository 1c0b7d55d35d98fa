package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/sportify/backend/internal/apperror"
	"github.com/sportify/backend/internal/auth"
)

const displayLayout = "2006-01-02 15:04:05"

const maxBodyBytes = 1 << 20

// envelope is the body of every successful JSON response.
type envelope struct {
	Status  bool   `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Meta    any    `json:"meta,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	body.Status = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	apperror.Write(w, err)
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperror.Validation("invalid JSON payload")
	}
	return nil
}

// currentPrincipal returns the principal stored by the auth middleware.
func currentPrincipal(r *http.Request) (*auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return nil, apperror.Unauthorized("please sign in")
	}
	return p, nil
}
