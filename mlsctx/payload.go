package mlsctx

import "encoding/json"

// interpretPayload implements spec.md §4.6 step 8: attempt to decode
// plaintext as a structured message carrying a text field and an optional
// rich embed; on any failure to recognize that shape, fall back to
// treating the raw bytes as the UTF-8 text with no embed.
func interpretPayload(plaintext []byte) (text string, embed []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &raw); err == nil {
		if textRaw, ok := raw["text"]; ok {
			var decodedText string
			if err := json.Unmarshal(textRaw, &decodedText); err == nil {
				if e, ok := raw["embed"]; ok {
					embed = append([]byte(nil), e...)
				}
				return decodedText, embed
			}
		}
	}
	return string(plaintext), nil
}

// encodePayload is the inverse of interpretPayload, used by producers of
// test fixtures (and, in principle, any future component that builds a
// structured plaintext before it is engine-encrypted upstream of this
// module).
func encodePayload(text string, embed []byte) ([]byte, error) {
	payload := map[string]json.RawMessage{}
	textJSON, err := json.Marshal(text)
	if err != nil {
		return nil, err
	}
	payload["text"] = textJSON
	if embed != nil {
		payload["embed"] = embed
	}
	return json.Marshal(payload)
}
