package http

import (
	"encoding/json"
	"net/http"
)

// MeteredWriter records the status code and body size written through it
type MeteredWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

// NewMeteredWriter wraps w
func NewMeteredWriter(w http.ResponseWriter) *MeteredWriter {
	return &MeteredWriter{ResponseWriter: w}
}

func (m *MeteredWriter) WriteHeader(code int) {
	if m.status == 0 {
		m.status = code
	}
	m.ResponseWriter.WriteHeader(code)
}

func (m *MeteredWriter) Write(b []byte) (int, error) {
	if m.status == 0 {
		m.status = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(b)
	m.bytes += int64(n)
	return n, err
}

// Status returns the response status, 200 if the handler wrote nothing
func (m *MeteredWriter) Status() int {
	if m.status == 0 {
		return http.StatusOK
	}
	return m.status
}

// Bytes returns the number of body bytes written
func (m *MeteredWriter) Bytes() int64 {
	return m.bytes
}

// Unwrap lets http.ResponseController reach the underlying writer
func (m *MeteredWriter) Unwrap() http.ResponseWriter {
	return m.ResponseWriter
}

// WriteJSON writes v as a JSON response with status code
func WriteJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
