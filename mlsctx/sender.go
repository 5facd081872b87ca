package mlsctx

import (
	"strings"
	"unicode/utf8"
)

// resolveSender implements spec.md §4.6 step 9: prefer the sender DID
// extracted from the engine's authenticated credential, falling back to
// the caller-supplied sender (if meaningful), and finally "unknown".
func resolveSender(credential []byte, callerSender string) string {
	if len(credential) > 0 && utf8.Valid(credential) {
		s := string(credential)
		if strings.HasPrefix(s, "did:") {
			return s
		}
	}
	if callerSender != "" && callerSender != "unknown" {
		return callerSender
	}
	return "unknown"
}
