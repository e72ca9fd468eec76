package server

import (
	"net/http"
	"os"
	"strconv"
)

// parseFloat64Query extracts a float64 query parameter with a default.
func parseFloat64Query(r *http.Request, key string, def float64) float64 {
	if v := r.URL.Query().Get(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// parseIntQuery extracts an int query parameter with a default.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// itoa is shorthand for building positional SQL placeholders.
func itoa(n int) string { return strconv.Itoa(n) }

// getEnvInt returns an integer environment value or the default when unset or
// unparsable.
func getEnvInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}
