package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"testing"

	"callbridge/internal/domain"
)

func TestComputeSignatureSortsParams(t *testing.T) {
	fullURL := "https://calls.example.com/twilio/status?callId=01HZX"
	params := url.Values{
		"CallStatus": {"ringing"},
		"CallSid":    {"CA123"},
		"AccountSid": {"AC9"},
	}

	mac := hmac.New(sha1.New, []byte("secret"))
	mac.Write([]byte(fullURL + "AccountSidAC9" + "CallSidCA123" + "CallStatusringing"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if got := ComputeSignature("secret", fullURL, params); got != want {
		t.Errorf("ComputeSignature = %q, want %q", got, want)
	}
}

func TestValidateSignature(t *testing.T) {
	fullURL := "https://calls.example.com/twilio/voice?callId=abc"
	params := url.Values{"CallSid": {"CA1"}, "From": {"+15550001111"}}
	sig := ComputeSignature("token", fullURL, params)

	if err := ValidateSignature("token", fullURL, params, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	tampered := url.Values{"CallSid": {"CA2"}, "From": {"+15550001111"}}
	cases := []struct {
		name   string
		token  string
		url    string
		params url.Values
		sig    string
	}{
		{"missing", "token", fullURL, params, ""},
		{"not base64", "token", fullURL, params, "%%%"},
		{"wrong token", "other", fullURL, params, sig},
		{"tampered params", "token", fullURL, tampered, sig},
		{"different url", "token", "https://calls.example.com/twilio/voice?callId=abd", params, sig},
	}
	for _, tc := range cases {
		err := ValidateSignature(tc.token, tc.url, tc.params, tc.sig)
		if err == nil {
			t.Errorf("%s: expected rejection", tc.name)
			continue
		}
		if !errors.Is(err, domain.ErrPermissionDenied) {
			t.Errorf("%s: err = %v, want ErrPermissionDenied", tc.name, err)
		}
	}
}
