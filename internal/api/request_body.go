package api

import (
	"errors"
	"net/http"
)

// limitBody caps the request body at limit bytes. A non-positive limit
// leaves the body unbounded.
func limitBody(w http.ResponseWriter, r *http.Request, limit int64) {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
