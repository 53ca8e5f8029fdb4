package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// marshalFields converts record fields to JSON TEXT for storage.
// Keys are NFC-normalized and HTML escaping is disabled so stored payloads
// are byte-stable across writers.
func marshalFields(fields map[string]any) (string, error) {
	normalized := make(map[string]any, len(fields))
	for k, v := range fields {
		normalized[norm.NFC.String(k)] = v
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}

	// json.Encoder adds trailing newline, remove it
	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unmarshalFields parses a stored payload. Numbers decode as json.Number so
// integers keep their precision.
func unmarshalFields(payload string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()

	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return fields, nil
}
