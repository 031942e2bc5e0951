package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	errInvalidEnvelope = errors.New("invalid push envelope")
	errMalformedData   = errors.New("malformed message data")
)

// pushEnvelope is the body of a Pub/Sub push request.
type pushEnvelope struct {
	Message *pushMessage `json:"message"`
}

type pushMessage struct {
	Data         string `json:"data"`
	MessageID    string `json:"message_id"`
	MessageIDAlt string `json:"messageId"`
}

func (m *pushMessage) id() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.MessageIDAlt
}

// decodeEnvelope returns the message and its decoded log entry, which must be
// a JSON object.
func decodeEnvelope(body []byte) (*pushMessage, json.RawMessage, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errInvalidEnvelope, err)
	}
	if env.Message == nil {
		return nil, nil, errInvalidEnvelope
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errMalformedData, err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' || !json.Valid(raw) {
		return nil, nil, errMalformedData
	}
	return env.Message, json.RawMessage(raw), nil
}

// entryTimestamp returns the entry's "timestamp" field when it is a string.
func entryTimestamp(entry json.RawMessage) (string, bool) {
	var head struct {
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(entry, &head); err != nil || len(head.Timestamp) == 0 {
		return "", false
	}
	var ts string
	if err := json.Unmarshal(head.Timestamp, &ts); err != nil {
		return "", false
	}
	return ts, true
}

// FragmentName builds the object name for one log entry.
func FragmentName(prefix, timestamp, messageID string) string {
	return prefix + strings.ReplaceAll(timestamp, ":", "-") + "_" + messageID + ".json"
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
