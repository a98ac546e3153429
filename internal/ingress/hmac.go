package ingress

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	apperrors "signal_relay/pkg/errors"
)

// signaturePrefixes are tried in order; senders disagree on whether and
// how to prefix the hex digest.
var signaturePrefixes = []string{"sha256=", "hmac-sha256=", ""}

// CanonicalJSON re-encodes a JSON document deterministically: object keys
// sorted, no whitespace, numbers kept in their original form. The HMAC is
// always computed over this form so key order on the wire does not matter.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, t[k])
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, e)
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	default:
		b, _ := json.Marshal(t)
		buf.Write(b)
	}
}

// VerifySignature checks a provided signature against the HMAC-SHA256 of
// the canonical payload, trying each known prefix. Comparison is
// constant-time.
func VerifySignature(secret string, canonical []byte, provided string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	want := hex.EncodeToString(mac.Sum(nil))

	provided = strings.TrimSpace(provided)
	for _, prefix := range signaturePrefixes {
		if prefix != "" && !strings.HasPrefix(provided, prefix) {
			continue
		}
		candidate := strings.ToLower(strings.TrimPrefix(provided, prefix))
		if hmac.Equal([]byte(candidate), []byte(want)) {
			return nil
		}
	}
	return apperrors.ErrSignatureInvalid
}

// CheckTimestamp rejects signals outside the replay tolerance window in
// either direction.
func CheckTimestamp(ts, now time.Time, tolerance time.Duration) error {
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return apperrors.ErrReplayDetected
	}
	return nil
}
