package paygateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SignatureError means a webhook delivery could not be authenticated. It is
// never passed on to reconciliation.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "webhook signature rejected: " + e.Reason
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Manifest builds the string the provider signs in its "ts=,v1=" scheme.
// Absent parts are left out.
func Manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		fmt.Fprintf(&b, "id:%s;", strings.ToLower(dataID))
	}
	if requestID != "" {
		fmt.Fprintf(&b, "request-id:%s;", requestID)
	}
	if ts != "" {
		fmt.Fprintf(&b, "ts:%s;", ts)
	}
	return b.String()
}

// Verifier authenticates webhook deliveries.
//
// Two header forms are accepted in X-Signature:
//   - "ts=<unix>,v1=<hex>": HMAC over Manifest(data.id, X-Request-Id, ts),
//     with ts required to fall within the tolerance window.
//   - "<hex>" or "sha256=<hex>": HMAC over the raw request body.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

func (v *Verifier) Verify(h http.Header, body []byte, dataID string) error {
	if v.secret == "" {
		return &SignatureError{Reason: "no webhook secret configured"}
	}
	sig := strings.TrimSpace(h.Get("X-Signature"))
	if sig == "" {
		return &SignatureError{Reason: "missing X-Signature header"}
	}

	if !strings.Contains(sig, "v1=") {
		expected := SignPayload(body, v.secret)
		got := strings.TrimPrefix(sig, "sha256=")
		if !hmac.Equal([]byte(expected), []byte(strings.ToLower(got))) {
			return &SignatureError{Reason: "body digest mismatch"}
		}
		return nil
	}

	var ts, v1 string
	for _, part := range strings.Split(sig, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = val
		case "v1":
			v1 = val
		}
	}
	if ts == "" || v1 == "" {
		return &SignatureError{Reason: "incomplete X-Signature header"}
	}

	if v.tolerance > 0 {
		sent, err := parseTimestamp(ts)
		if err != nil {
			return &SignatureError{Reason: "invalid signature timestamp"}
		}
		skew := v.now().Sub(sent)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return &SignatureError{Reason: "signature timestamp outside tolerance"}
		}
	}

	expected := SignPayload([]byte(Manifest(dataID, h.Get("X-Request-Id"), ts)), v.secret)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(v1))) {
		return &SignatureError{Reason: "manifest digest mismatch"}
	}
	return nil
}

// parseTimestamp accepts unix seconds or milliseconds.
func parseTimestamp(ts string) (time.Time, error) {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n > 1e12 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}
