package displaycore

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
)

// commandSigningInput is the byte string covered by a command signature:
// commandId|type|timestamp(unix ms)|payload.
func commandSigningInput(cmd Command) []byte {
	var b strings.Builder
	b.WriteString(cmd.CommandID)
	b.WriteByte('|')
	b.WriteString(cmd.Type)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(cmd.Timestamp.UnixMilli(), 10))
	b.WriteByte('|')
	b.Write(cmd.Payload)
	return []byte(b.String())
}

// SignCommand returns the "sha256=<hex>" HMAC signature of cmd.
func SignCommand(cmd Command, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(commandSigningInput(cmd))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyCommandSignature checks cmd.Signature against secret using HMAC-SHA256.
// Uses constant-time comparison.
func VerifyCommandSignature(cmd Command, secret string) bool {
	if cmd.Signature == "" || secret == "" || cmd.CommandID == "" {
		return false
	}

	sig := strings.TrimPrefix(cmd.Signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(commandSigningInput(cmd))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}
