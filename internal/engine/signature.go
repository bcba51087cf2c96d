package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/davidmoltin/record-automation/pkg/metrics"
)

// SignatureHeader carries the HMAC of an inbound webhook body
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// ComputeSignature returns the hex HMAC-SHA256 of body keyed by secret
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the body. The header may carry a "sha256=" prefix.
func VerifySignature(body []byte, header, secret string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		metrics.SignatureRejections.Inc()
		return newError(KindSignatureVerification, "missing %s header", SignatureHeader)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(header), signaturePrefix))
	if err != nil {
		metrics.SignatureRejections.Inc()
		return newError(KindSignatureVerification, "signature is not hex encoded")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		metrics.SignatureRejections.Inc()
		return newError(KindSignatureVerification, "signature mismatch")
	}
	return nil
}
