package api

import (
	"encoding/json"
	"io"
	"net/http"
)

func DecodeJson(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

func WriteJsonResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func WriteJsonResponseWithStatusCode(w http.ResponseWriter, v any, code int) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}
