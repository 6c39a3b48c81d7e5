package stripewebhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"
)

// DefaultSignatureTolerance is Stripe's recommended replay window, offered
// to operators that want timestamp checks. Verification does not apply it
// unless asked to.
const DefaultSignatureTolerance = webhook.DefaultTolerance

var (
	ErrSecretNotConfigured       = errors.New("signature secret not configured")
	ErrMalformedSignatureHeader  = errors.New("malformed signature header")
	ErrMissingTimestamp          = errors.New("signature header has no timestamp")
	ErrMissingSignature          = errors.New("signature header has no v1 signature")
	ErrTimestampOutsideTolerance = errors.New("signature timestamp outside tolerance")
	ErrInvalidSignature          = errors.New("invalid signature")
)

// SignatureHeader is a decoded Stripe-Signature header.
type SignatureHeader struct {
	Timestamp string
	V1        string

	// Values holds every pair, including keys that are not consulted (v0).
	Values map[string]string
}

// ParseSignatureHeader decodes "t=<ts>,v1=<hex>[,k=v...]". Each element is
// split on its first '='; an element without one makes the header malformed.
// Duplicate keys keep the last value.
func ParseSignatureHeader(header string) (SignatureHeader, error) {
	values := make(map[string]string)
	for _, element := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(element, "=")
		if !ok {
			return SignatureHeader{}, ErrMalformedSignatureHeader
		}
		values[key] = value
	}

	sh := SignatureHeader{
		Timestamp: values["t"],
		V1:        values["v1"],
		Values:    values,
	}
	if sh.Timestamp == "" {
		return sh, ErrMissingTimestamp
	}
	if sh.V1 == "" {
		return sh, ErrMissingSignature
	}
	return sh, nil
}

// ComputeSignature returns the lowercase hex HMAC-SHA256 of "<timestamp>.<payload>".
func ComputeSignature(timestamp string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifierOption customizes a Verifier
type VerifierOption func(*Verifier)

// WithTolerance rejects timestamps further than d from the verifier clock.
func WithTolerance(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.tolerance = d
	}
}

// WithClock replaces time.Now for tolerance checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// Verifier handles Stripe signature verification for webhook payloads
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a new signature verifier
func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secret: secret,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the Stripe-Signature header against the raw payload bytes.
func (v *Verifier) Verify(payload []byte, header string) error {
	if v.secret == "" {
		return ErrSecretNotConfigured
	}

	sh, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}

	if v.tolerance > 0 {
		ts, err := strconv.ParseInt(sh.Timestamp, 10, 64)
		if err != nil {
			return ErrTimestampOutsideTolerance
		}
		age := v.now().Sub(time.Unix(ts, 0))
		if age > v.tolerance || age < -v.tolerance {
			return ErrTimestampOutsideTolerance
		}
	}

	expected := ComputeSignature(sh.Timestamp, payload, v.secret)
	if !hmac.Equal([]byte(sh.V1), []byte(expected)) {
		return ErrInvalidSignature
	}

	return nil
}

// VerifySignature reports whether header is a valid Stripe signature of
// payload under secret. Every failure is reported as false.
func VerifySignature(payload []byte, header, secret string) bool {
	return NewVerifier(secret).Verify(payload, header) == nil
}
