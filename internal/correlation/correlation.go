// Package correlation threads one identifier through a request's context,
// headers, and log lines so a turn can be followed from the inbound call
// to the engine round trip and the synthesized trace.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HeaderName is the header the relay writes its correlation id to. Inbound
// requests may also carry one of the generic request-id headers; see
// FromHeaders.
const HeaderName = "X-ConvoRelay-Correlation-ID"

const maxIDLen = 128

type contextKey struct{}

var idKey contextKey

// EnsureRequest returns a request guaranteed to carry a correlation id in
// both its context and its headers, reusing an inbound id when one is
// usable and minting one otherwise.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}

	id, ok := FromContext(req.Context())
	if !ok {
		if id = FromHeaders(req.Header); id == "" {
			id = NewID()
		}
		req = req.WithContext(WithContext(req.Context(), id))
	}

	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

// WithContext attaches a correlation id to the context. Unusable ids are
// dropped so downstream lookups fall through to generation.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id = sanitizeID(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, idKey, id)
}

// FromContext reads the correlation id attached by WithContext.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(idKey).(string)
	id = sanitizeID(id)
	return id, id != ""
}

// FromHeaders picks the first usable correlation id from the relay's own
// header or the generic request-id headers callers commonly send.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	for _, name := range []string{HeaderName, "X-Request-Id", "X-Correlation-Id"} {
		if id := sanitizeID(headers.Get(name)); id != "" {
			return id
		}
	}
	return ""
}

// NewID mints a fresh correlation id.
func NewID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// rand failing is effectively fatal elsewhere; a clock-derived id
		// keeps the request serviceable.
		return "relay-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "relay-" + hex.EncodeToString(buf[:])
}

// sanitizeID trims and validates a candidate id. Anything that could not
// appear verbatim in a log line or header is rejected outright rather
// than escaped.
func sanitizeID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" {
		return ""
	}
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	if strings.IndexFunc(id, isDisallowedIDRune) >= 0 {
		return ""
	}
	return id
}

func isDisallowedIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case r == '-', r == '_', r == '.', r == ':':
		return false
	}
	return true
}
