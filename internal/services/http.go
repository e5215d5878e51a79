package services

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 4 << 10

// HTTPError reports a non-2xx response from the upstream backend.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, msg)
}

// ErrorKind classifies the status code. Missing or rejected credentials are
// unauthorized. Request timeouts, early data, rate limits and redirects are
// transient like 5xx. Every other 4xx is a permanent client error.
func (e *HTTPError) ErrorKind() Kind {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return KindTransient
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return KindPermanent
	}
	return KindTransient
}

// CheckResponse returns nil for 2xx responses and an *HTTPError otherwise. The
// error message is taken from a JSON {"error": "..."} body when present.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(string(body))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Error != "":
			message = payload.Error
		case payload.Message != "":
			message = payload.Message
		}
	}
	reqURL := ""
	method := ""
	if resp.Request != nil {
		method = resp.Request.Method
		if resp.Request.URL != nil {
			reqURL = resp.Request.URL.String()
		}
	}
	return &HTTPError{Method: method, URL: reqURL, StatusCode: resp.StatusCode, Message: message}
}
