package firestore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultPageSize = 20

// encodeCursorToken packs the ordering tuple (timestamp, document ID) of the
// last returned document into an opaque page token.
func encodeCursorToken(ts time.Time, docID string) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

// decodeCursorToken unpacks a page token into StartAfter values. An empty
// token yields nil, meaning "first page".
func decodeCursorToken(token string) ([]any, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid page cursor: %w", err)
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid page cursor structure")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid page cursor timestamp: %w", err)
	}
	return []any{ts, parts[1]}, nil
}
