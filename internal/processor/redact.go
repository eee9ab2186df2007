package processor

import (
	"encoding/json"
	"strings"
)

const redactedValue = "[REDACTED]"

// sensitiveKeys are never persisted or logged in clear text. Card numbers
// keep their last four digits.
var sensitiveKeys = map[string]bool{
	"apikey":               true,
	"creditcard_cvv":       true,
	"cvv":                  true,
	"creditcard_number":    true,
	"cardnumber":           true,
	"card_number":          true,
	"creditcard_token":     true,
	"singleusetoken":       true,
	"creditcard_citizenid": true,
	"citizenid":            true,
}

var cardNumberKeys = map[string]bool{
	"creditcard_number": true,
	"cardnumber":        true,
	"card_number":       true,
}

// Redact returns a copy of a JSON body with sensitive fields masked. Bodies
// that are not JSON are replaced entirely.
func Redact(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return []byte(`"[UNPARSEABLE BODY REDACTED]"`)
	}
	out, err := json.Marshal(redactValue("", doc))
	if err != nil {
		return []byte(`"[UNPARSEABLE BODY REDACTED]"`)
	}
	return out
}

func redactValue(key string, v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, inner := range val {
			val[k] = redactValue(k, inner)
		}
		return val
	case []interface{}:
		for i, inner := range val {
			val[i] = redactValue(key, inner)
		}
		return val
	case nil:
		return nil
	}

	lower := strings.ToLower(key)
	if !sensitiveKeys[lower] {
		return v
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return s
		}
		if cardNumberKeys[lower] && len(s) > 4 {
			return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
		}
	}
	return redactedValue
}
