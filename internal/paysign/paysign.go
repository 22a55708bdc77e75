// Package paysign computes and checks the HMAC signature carried by payment
// provider webhooks. The signed message is the webhook data object flattened
// to key=value pairs, sorted by key and joined with "&".
package paysign

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Decode parses the data object of a webhook. Numbers keep their literal text
// so the canonical string matches what the provider signed.
func Decode(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode webhook data: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("decode webhook data: object required")
	}
	return data, nil
}

func Canonical(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(formatValue(data[key]))
	}
	return b.String()
}

// Sign returns the uppercase hex HMAC-SHA256 of the canonical data string.
func Sign(key string, data map[string]any) string {
	return signMessage(key, Canonical(data))
}

// Verify compares in constant time and ignores hex case.
func Verify(key string, data map[string]any, signature string) bool {
	return verifyMessage(key, Canonical(data), signature)
}

func signMessage(key string, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

func verifyMessage(key string, message string, signature string) bool {
	if key == "" || signature == "" {
		return false
	}
	expected := signMessage(key, message)
	got := strings.ToUpper(strings.TrimSpace(signature))
	return hmac.Equal([]byte(expected), []byte(got))
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
