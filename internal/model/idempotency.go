package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jwalitptl/newsletter-api/pkg/validator"
)

// MaxIdempotencyKeyLength bounds keys so they fit comfortably in an index.
const MaxIdempotencyKeyLength = 50

// IdempotencyKey is a client-chosen token identifying one logical request.
type IdempotencyKey string

// NewIdempotencyKey accepts a non-empty printable ASCII string of at most
// MaxIdempotencyKeyLength characters.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	err := validator.Default().ValidateField("idempotency_key", raw,
		"required", "printascii", fmt.Sprintf("max=%d", MaxIdempotencyKeyLength))
	if err != nil {
		return "", err
	}
	return IdempotencyKey(raw), nil
}

func (k IdempotencyKey) String() string {
	return string(k)
}

// HeaderPair is one response header as persisted alongside a saved response.
type HeaderPair struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// HeaderPairs is stored as JSONB.
type HeaderPairs []HeaderPair

func (h HeaderPairs) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

func (h *HeaderPairs) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*h = nil
		return nil
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	default:
		return fmt.Errorf("unsupported header pairs type %T", src)
	}
}

// HeaderPairsFrom flattens an http.Header, keeping repeated values.
func HeaderPairsFrom(header http.Header) HeaderPairs {
	pairs := make(HeaderPairs, 0, len(header))
	for name, values := range header {
		for _, v := range values {
			pairs = append(pairs, HeaderPair{Name: name, Value: []byte(v)})
		}
	}
	return pairs
}

// SavedResponse is the response replayed for every retry of a completed request.
type SavedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    HeaderPairs `json:"headers"`
	Body       []byte      `json:"body"`
}

// Header returns the saved headers as an http.Header.
func (r *SavedResponse) Header() http.Header {
	h := make(http.Header, len(r.Headers))
	for _, p := range r.Headers {
		h.Add(p.Name, string(p.Value))
	}
	return h
}
