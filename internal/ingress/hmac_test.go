package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	apperrors "signal_relay/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCanonicalJSON_KeyOrderIndependent(t *testing.T) {
	a := []byte(`{"ticker": "BTCUSDT", "action": "buy", "price": 50000.10}`)
	b := []byte(`{"price":50000.10,"action":"buy","ticker":"BTCUSDT"}`)

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"action":"buy","price":50000.10,"ticker":"BTCUSDT"}`, string(ca))
}

func TestCanonicalJSON_NestedAndArrays(t *testing.T) {
	raw := []byte(`{"b": [1, 2, {"z": true, "a": null}], "a": {"y": "x"}}`)

	c, err := CanonicalJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":"x"},"b":[1,2,{"a":null,"z":true}]}`, string(c))
}

func TestVerifySignature_AcceptsKnownPrefixes(t *testing.T) {
	payload := []byte(`{"action":"buy","ticker":"BTCUSDT"}`)
	sig := signHex("s3cret", payload)

	for _, provided := range []string{sig, "sha256=" + sig, "hmac-sha256=" + sig} {
		assert.NoError(t, VerifySignature("s3cret", payload, provided), provided)
	}
}

func TestVerifySignature_RejectsBadSignature(t *testing.T) {
	payload := []byte(`{"action":"buy"}`)

	err := VerifySignature("s3cret", payload, "sha256="+signHex("wrong-secret", payload))
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)

	err = VerifySignature("s3cret", payload, "")
	assert.ErrorIs(t, err, apperrors.ErrSignatureInvalid)
}

func TestCheckTimestamp_ToleranceBoundary(t *testing.T) {
	now := time.Now()
	tolerance := 300 * time.Second

	assert.NoError(t, CheckTimestamp(now.Add(-300*time.Second), now, tolerance))
	assert.ErrorIs(t, CheckTimestamp(now.Add(-301*time.Second), now, tolerance), apperrors.ErrReplayDetected)
	// Clock skew in the future is rejected the same way
	assert.ErrorIs(t, CheckTimestamp(now.Add(301*time.Second), now, tolerance), apperrors.ErrReplayDetected)
}
