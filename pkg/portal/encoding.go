package portal

import "encoding/hex"

// HexEncode returns the hexadecimal form of s's UTF-8 bytes, so arbitrary
// package names survive inside a form-encoded payload.
func HexEncode(s string) string {
	return hex.EncodeToString([]byte(s))
}

// HexDecode reverses HexEncode.
func HexDecode(s string) (string, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
