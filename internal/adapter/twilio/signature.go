package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"

	"callbridge/internal/domain"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// ComputeSignature returns the base64 HMAC-SHA1 Twilio computes for a
// request to fullURL with the given POST parameters: the URL followed by
// every parameter name and value, sorted by name.
func ComputeSignature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks signature against the expected value in constant time.
func ValidateSignature(authToken, fullURL string, params url.Values, signature string) error {
	if signature == "" {
		return domain.NewSubSystemError("twilio", "ValidateSignature", domain.ErrPermissionDenied, "missing signature")
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return domain.NewSubSystemError("twilio", "ValidateSignature", domain.ErrPermissionDenied, "signature is not base64")
	}
	want, _ := base64.StdEncoding.DecodeString(ComputeSignature(authToken, fullURL, params))
	if !hmac.Equal(got, want) {
		return domain.NewSubSystemError("twilio", "ValidateSignature", domain.ErrPermissionDenied, "signature mismatch")
	}
	return nil
}
