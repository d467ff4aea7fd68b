// Package httpx provides HTTP response utilities.
package httpx

import "net/http"

// BadRequest sends a 400 problem response.
func BadRequest(w http.ResponseWriter, detail string) {
	Problem(w, http.StatusBadRequest, "Bad Request", detail)
}

// NotFound sends a 404 problem response.
func NotFound(w http.ResponseWriter, detail string) {
	Problem(w, http.StatusNotFound, "Not Found", detail)
}

// Internal sends a 500 problem response. The detail is deliberately omitted
// so internal error text never leaks to clients.
func Internal(w http.ResponseWriter) {
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
