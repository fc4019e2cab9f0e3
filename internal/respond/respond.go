// Package respond writes the JSON bodies the chat API answers with.
package respond

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
)

// maxBodySize caps request bodies read by Decode.
const maxBodySize = 1 << 20

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("❌ encoding response: %v", err)
	}
}

// Error writes {"error": message}.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Errors writes {"error": [messages...]}, the shape used for validation failures.
func Errors(w http.ResponseWriter, status int, messages []string) {
	JSON(w, status, map[string][]string{"error": messages})
}

// Decode reads a JSON request body into v.
func Decode(r *http.Request, v any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
