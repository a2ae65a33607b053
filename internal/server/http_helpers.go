package server

import (
	"net/http"

	"loop-library/internal/api"
)

// writeMiddlewareError keeps middleware rejections in the API envelope shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteFailure(w, status, message)
}
