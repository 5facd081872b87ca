package mlsctx

import "encoding/binary"

// stripPadding implements spec.md §4.6 step 6 / property P7: if ciphertext
// begins with a 4-byte big-endian length prefix n, and the remainder is
// exactly n bytes followed by zero padding, the inner n-byte ciphertext is
// returned. Otherwise ciphertext is returned unchanged.
func stripPadding(ciphertext []byte) []byte {
	if len(ciphertext) < 4 {
		return ciphertext
	}
	n := binary.BigEndian.Uint32(ciphertext[:4])
	rest := ciphertext[4:]
	if uint64(n) > uint64(len(rest)) {
		return ciphertext
	}
	inner := rest[:n]
	pad := rest[n:]
	for _, b := range pad {
		if b != 0 {
			return ciphertext
		}
	}
	return inner
}

// padEnvelope is the inverse of stripPadding, used by tests to construct
// round-trip fixtures: it prepends the 4-byte big-endian length of inner
// and zero-pads the result out to total bytes.
func padEnvelope(inner []byte, total int) []byte {
	out := make([]byte, 4, total)
	binary.BigEndian.PutUint32(out, uint32(len(inner)))
	out = append(out, inner...)
	for len(out) < total {
		out = append(out, 0)
	}
	return out
}
