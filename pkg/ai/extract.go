package ai

import (
	"bytes"
	"encoding/json"
	"strings"
)

var (
	objectFields = []string{"response", "message", "question", "summary", "text", "content", "answer"}
	itemFields   = []string{"予想", "response", "message", "question", "summary", "text", "content"}
)

// ExtractMessage unwraps a reply the model returned as JSON. Objects yield the
// first well-known string field, else the first non-empty string value.
// Arrays yield one line per element. Anything else, including JSON that does
// not parse, is returned unchanged.
func ExtractMessage(raw string) string {
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}"):
		fields, ok := orderedObject([]byte(trimmed))
		if !ok {
			return raw
		}
		if s, ok := pickString(fields, objectFields); ok {
			return s
		}
		return raw
	case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
		var items []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return raw
		}
		results := make([]string, 0, len(items))
		for _, item := range items {
			item = bytes.TrimSpace(item)
			if len(item) == 0 {
				continue
			}
			switch item[0] {
			case '{':
				fields, ok := orderedObject(item)
				if !ok {
					continue
				}
				if s, ok := pickString(fields, itemFields); ok {
					results = append(results, s)
				}
			case '"':
				var s string
				if err := json.Unmarshal(item, &s); err == nil {
					results = append(results, s)
				}
			}
		}
		if len(results) == 0 {
			return raw
		}
		return strings.Join(results, "\n")
	}
	return raw
}

type jsonField struct {
	key   string
	value json.RawMessage
}

// orderedObject decodes a JSON object keeping key order. A repeated key keeps
// its first position and its last value.
func orderedObject(data []byte) ([]jsonField, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, false
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, false
	}
	var fields []jsonField
	index := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, ok := tok.(string)
		if !ok {
			return nil, false
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, false
		}
		if i, seen := index[key]; seen {
			fields[i].value = value
			continue
		}
		index[key] = len(fields)
		fields = append(fields, jsonField{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return fields, true
}

// pickString returns the first preferred field holding a string, else the
// first non-blank string value in key order.
func pickString(fields []jsonField, preferred []string) (string, bool) {
	for _, name := range preferred {
		for _, f := range fields {
			if f.key != name {
				continue
			}
			if s, ok := asString(f.value); ok {
				return s, true
			}
		}
	}
	for _, f := range fields {
		if s, ok := asString(f.value); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

func asString(v json.RawMessage) (string, bool) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}
