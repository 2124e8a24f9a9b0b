package local

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SignCommand computes the challenge response the device firmware expects:
//
//	sig      = SHA256(apiKey || challenge || "command=<cmd>&value=<val>")
//	response = hex(SHA256(apiKey || sig))
//
// apiKey and challenge are the hex strings handed out by the cloud
// enumeration and the device's get_challenge endpoint. The concatenation
// order and payload formatting must stay byte-exact; the firmware is not
// ours to change.
func SignCommand(apiKey, challenge, command, value string) (string, error) {
	keyBytes, err := hex.DecodeString(apiKey)
	if err != nil {
		return "", fmt.Errorf("decode api key: %w", err)
	}
	challengeBytes, err := hex.DecodeString(challenge)
	if err != nil {
		return "", fmt.Errorf("decode challenge: %w", err)
	}
	payload := []byte(fmt.Sprintf("command=%s&value=%s", command, value))

	h := sha256.New()
	h.Write(keyBytes)
	h.Write(challengeBytes)
	h.Write(payload)
	sig := h.Sum(nil)

	h = sha256.New()
	h.Write(keyBytes)
	h.Write(sig)
	return hex.EncodeToString(h.Sum(nil)), nil
}
