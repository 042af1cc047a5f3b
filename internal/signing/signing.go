// Package signing computes the request signature shared by the client and
// the collector.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// HeaderSignature carries the hex HMAC of the canonical request string.
const HeaderSignature = "x-mp-signature"

// FormatDate renders t the way the Date header carries it.
func FormatDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// CanonicalString joins the signed request parts. The body line is only
// present when the request has a body.
func CanonicalString(method, date, path string, body []byte) string {
	var sb strings.Builder
	sb.Grow(len(method) + len(date) + len(path) + len(body) + 3)
	sb.WriteString(strings.ToUpper(method))
	sb.WriteByte('\n')
	sb.WriteString(date)
	sb.WriteByte('\n')
	sb.WriteString(path)
	if len(body) > 0 {
		sb.WriteByte('\n')
		sb.Write(body)
	}
	return sb.String()
}

// Sign returns hex(HMAC-SHA256(secret, canonical string)).
func Sign(secret, method, date, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(method, date, path, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the request in constant time.
func Verify(secret, method, date, path string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(method, date, path, body)))
	return hmac.Equal(mac.Sum(nil), want)
}
