package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// maxInputBytes bounds how much of a request body is buffered for logging.
const maxInputBytes = 64 << 10

// clientIP returns the address set by middleware.RealIP, without a port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestInput decodes a JSON or form body and restores r.Body so the next
// handler can read it again. Unknown content types yield an empty map.
func requestInput(r *http.Request) map[string]interface{} {
	input := map[string]interface{}{}
	if r.Body == nil || r.Body == http.NoBody {
		return input
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxInputBytes))
	rest := r.Body
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(raw), rest), Closer: rest}
	if err != nil || len(raw) == 0 {
		return input
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		_ = json.Unmarshal(raw, &input)
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return input
		}
		for k, v := range values {
			if len(v) == 1 {
				input[k] = v[0]
			} else {
				input[k] = v
			}
		}
	}
	return input
}

type readCloser struct {
	io.Reader
	io.Closer
}

func inputString(input map[string]interface{}, key string) string {
	if s, ok := input[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// matchesPath reports whether path ends with one of the given route suffixes,
// so /api/v1/login matches /login.
func matchesPath(path string, suffixes []string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, s := range suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}
