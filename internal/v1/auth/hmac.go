package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// ErrClockSkew is returned when a display's auth.timestamp falls outside the
// accepted skew window of the server clock.
var ErrClockSkew = fmt.Errorf("timestamp outside accepted skew")

// ErrBadSignature is returned when the computed HMAC digest does not match
// the signature the display presented.
var ErrBadSignature = fmt.Errorf("signature mismatch")

// CanonicalDisplayMessage builds the string a display signs: its serial
// number and auth timestamp, colon-joined so the two fields can't be
// confused by concatenation (grounded on the HMAC-over-identifier pattern
// used elsewhere in the pack).
func CanonicalDisplayMessage(serial string, timestamp int64) string {
	return serial + ":" + strconv.FormatInt(timestamp, 10)
}

// VerifyDisplaySignature checks a display's HMAC-SHA256 signature over its
// canonical (serial, timestamp) pair using the device's provisioned secret,
// and that the timestamp falls within maxSkew of now.
func VerifyDisplaySignature(serial string, timestamp int64, signature string, secret []byte, maxSkew time.Duration, now time.Time) error {
	presented := time.Unix(timestamp, 0)
	skew := now.Sub(presented)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return ErrClockSkew
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(CanonicalDisplayMessage(serial, timestamp)))
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(expected, given) {
		return ErrBadSignature
	}
	return nil
}

// SignForDisplay is the inverse of VerifyDisplaySignature, used by tests and
// by device-provisioning tooling to compute the signature a real display
// would send.
func SignForDisplay(serial string, timestamp int64, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(CanonicalDisplayMessage(serial, timestamp)))
	return hex.EncodeToString(mac.Sum(nil))
}
