package lm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/dilsor/dilsor/core/internal/nlp"
)

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	intentKeyRe  = regexp.MustCompile(`"intent"\s*:\s*"([a-z]+)"`)
)

// ErrNoJSON is returned when no extraction pattern produced an object.
var ErrNoJSON = errors.New("no json object found in response")

// ExtractJSON pulls the first JSON object out of a model response. The
// extraction patterns run in a fixed order: whole-response parse, fenced
// block, first balanced object, bare intent key. There is no silent guess;
// failure surfaces as ErrNoJSON.
func ExtractJSON(resp string) (map[string]interface{}, error) {
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return nil, ErrNoJSON
	}

	var m map[string]interface{}
	if err := json.Unmarshal([]byte(resp), &m); err == nil {
		return m, nil
	}

	if sub := fencedJSONRe.FindStringSubmatch(resp); sub != nil {
		if err := json.Unmarshal([]byte(sub[1]), &m); err == nil {
			return m, nil
		}
	}

	if obj := firstBalancedObject(resp); obj != "" {
		if err := json.Unmarshal([]byte(obj), &m); err == nil {
			return m, nil
		}
	}

	if sub := intentKeyRe.FindStringSubmatch(resp); sub != nil {
		return map[string]interface{}{"intent": sub[1]}, nil
	}
	return nil, ErrNoJSON
}

// DecodeIntent extracts and decodes a model response into an Intent.
func DecodeIntent(resp string) (nlp.Intent, error) {
	m, err := ExtractJSON(resp)
	if err != nil {
		return nlp.Intent{}, err
	}

	var in nlp.Intent
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &in,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nlp.Intent{}, err
	}
	if err := dec.Decode(m); err != nil {
		return nlp.Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	return in.Sanitize(), nil
}

// DecodeMappings parses LM-proposed bilingual word pairs. Pairs that do not
// survive JSON parsing are dropped, never guessed.
func DecodeMappings(resp string) (map[string]string, error) {
	m, err := ExtractJSON(resp)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok && k != "" && s != "" {
			out[strings.ToLower(k)] = strings.ToLower(s)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoJSON
	}
	return out, nil
}

// firstBalancedObject returns the first top-level {...} span with balanced
// braces, respecting string literals.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
