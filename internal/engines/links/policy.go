package links

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/unklstewy/securelinks/internal/models"
)

var (
	urlSafeEncoder = strings.NewReplacer("+", "-", "=", "_", "/", "~")
	urlSafeDecoder = strings.NewReplacer("-", "+", "_", "=", "~", "/")
)

// Resource returns the canonical path a link's signature covers.
func Resource(link *models.SecureLink) string {
	return fmt.Sprintf("/media/%d/%d/%s/", link.MediaID, link.FormatID, link.Hash)
}

// ShortResource returns the short path that resolves to the same link.
func ShortResource(hash string) string {
	return "/download/" + hash + "/"
}

// CannedPolicy builds the byte-exact policy document that gets signed.
func CannedPolicy(resource string, expires int64) []byte {
	return []byte(fmt.Sprintf(
		`{"Statement":[{"Resource":"%s","Condition":{"DateLessThan":{"AWS:EpochTime":%d}}}]}`,
		resource, expires))
}

// EncodeSignature renders sig with the URL-safe alphabet (+ to -, = to _, / to ~).
func EncodeSignature(sig []byte) string {
	return urlSafeEncoder.Replace(base64.StdEncoding.EncodeToString(sig))
}

// DecodeSignature reverses EncodeSignature.
func DecodeSignature(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty signature")
	}
	return base64.StdEncoding.DecodeString(urlSafeDecoder.Replace(s))
}

// QueryString renders the signed query parameters in their canonical order.
func QueryString(signature string, expires int64, keyPairID string) string {
	return fmt.Sprintf("Signature=%s&Expires=%d&Key-Pair-Id=%s", signature, expires, keyPairID)
}
