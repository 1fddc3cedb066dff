package frames

import (
	"encoding/base64"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
)

// NormalizePayload re-encodes a base64 audio payload in standard padded form.
// The audio bytes are never touched.
func NormalizePayload(payload string) (string, error) {
	raw, err := DecodePayload(payload)
	if err != nil {
		return "", err
	}
	return EncodePayload(raw), nil
}

func DecodePayload(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return raw, nil
	}
	raw, rawErr := base64.RawStdEncoding.DecodeString(payload)
	if rawErr == nil {
		return raw, nil
	}
	return nil, errorsx.Errorf(errorsx.ReasonMalformedEvent, "decode audio payload: %w", err)
}

func EncodePayload(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
