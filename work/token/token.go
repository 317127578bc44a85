package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/benbjohnson/clock"
)

// Rejection reasons. Every failed decode maps to exactly one of these.
var (
	ErrMalformed      = errors.New("token: malformed encoding")
	ErrBadSignature   = errors.New("token: signature mismatch")
	ErrExpired        = errors.New("token: link expired")
	ErrInvalidPayload = errors.New("token: invalid payload")
)

// Descriptor is the decoded target of an access token. Immutable once
// decoded; one is created per incoming request and discarded when the
// request ends.
type Descriptor struct {
	TargetURL string // absolute http/https URL of the upstream resource
	Username  string
	Password  string
	AuthURL   string // external authorization panel endpoint, optional
	ConnID    string // logical connection slot identifier, optional
	Expires   int64  // unix seconds, 0 means no expiry
}

// Validator verifies and decodes access tokens. The signature is an
// HMAC-SHA256 over payload+expires+auth with the shared secret; the payload
// itself is a base64-wrapped XOR of "url|user|pass" with the same secret.
// The XOR layer provides no real confidentiality or integrity on its own —
// all trust comes from the HMAC.
type Validator struct {
	secret []byte
	clock  clock.Clock
}

// NewValidator creates a Validator for the given shared secret. The clock is
// injectable so expiry tests are deterministic.
func NewValidator(secret string, clk clock.Clock) *Validator {
	if clk == nil {
		clk = clock.New()
	}
	return &Validator{secret: []byte(secret), clock: clk}
}

// Decode verifies the signature and expiry, then unwraps the payload into a
// Descriptor. The expires and auth strings participate in the signature
// exactly as transmitted. A token is valid through its expires second;
// rejection begins the second after.
func (v *Validator) Decode(payload, expires, auth, connID, sig string) (*Descriptor, error) {
	if payload == "" || sig == "" || expires == "" {
		return nil, ErrMalformed
	}

	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return nil, ErrMalformed
	}

	if !v.verify(payload+expires+auth, sig) {
		return nil, ErrBadSignature
	}

	if v.clock.Now().Unix() > exp {
		return nil, ErrExpired
	}

	d, err := v.DecodeLegacy(payload)
	if err != nil {
		return nil, err
	}
	d.AuthURL = auth
	d.ConnID = connID
	d.Expires = exp
	return d, nil
}

// DecodeLegacy unwraps a bare XOR/base64 payload with no signature or expiry
// check. Equivalent in contract (decode-or-reject) but provides no integrity
// guarantee; structurally invalid payloads are still rejected.
func (v *Validator) DecodeLegacy(payload string) (*Descriptor, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrMalformed
	}

	plain := v.xor(raw)
	parts := strings.Split(string(plain), "|")

	d := &Descriptor{TargetURL: parts[0]}
	if len(parts) >= 3 {
		d.Username = parts[1]
		d.Password = parts[2]
	}

	if err := validateTarget(d.TargetURL); err != nil {
		return nil, err
	}
	return d, nil
}

// Encode produces the wire form of a descriptor: the XOR/base64 payload, the
// expires string, and the hex HMAC signature. Decode(Encode(d)) yields an
// equal descriptor.
func (v *Validator) Encode(d *Descriptor) (payload, expires, sig string) {
	plain := d.TargetURL
	if d.Username != "" || d.Password != "" {
		plain = d.TargetURL + "|" + d.Username + "|" + d.Password
	}
	payload = base64.StdEncoding.EncodeToString(v.xor([]byte(plain)))
	expires = strconv.FormatInt(d.Expires, 10)
	sig = v.sign(payload + expires + d.AuthURL)
	return payload, expires, sig
}

func (v *Validator) sign(data string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// verify compares signatures in constant time. The provided signature is
// re-derived rather than string-compared so timing reveals nothing about how
// many leading characters matched.
func (v *Validator) verify(data, sig string) bool {
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(data))
	return hmac.Equal(got, mac.Sum(nil))
}

// xor applies the repeating-key XOR shared with the panel side. It is its own
// inverse.
func (v *Validator) xor(data []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ v.secret[i%len(v.secret)]
	}
	return out
}

// validateTarget rejects payloads whose URL field is missing, relative, or
// not plain http/https.
func validateTarget(target string) error {
	if target == "" {
		return ErrInvalidPayload
	}
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() {
		return ErrInvalidPayload
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidPayload
	}
	if u.Host == "" {
		return ErrInvalidPayload
	}
	return nil
}
