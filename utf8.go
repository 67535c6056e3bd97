package mqtt

import (
	"math"
	"unicode/utf8"
)

// validateUTF8String enforces MQTT-1.5.3: a length-prefixed UTF-8 string
// must fit in 16 bits, must be valid UTF-8, and must not contain the null
// code point U+0000. Endpoint applies it to the client id in Connect and
// to the topic name of every outbound PUBLISH. The user name, will topic
// and will message in Connect and the topic filters of SUBSCRIBE and
// UNSUBSCRIBE are not checked by it. Password is opaque bytes and only
// has its length checked, by validatePassword.
func validateUTF8String(s []byte) error {
	if len(s) > math.MaxUint16 {
		return codecErr("MQTT-1.5.3", "utf8-length-error: string exceeds 65535 bytes")
	}
	if !utf8.Valid(s) {
		return codecErr("MQTT-1.5.3-1", "utf8-contents-error: invalid UTF-8 encoding")
	}
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRune(s[i:])
		if r == 0 {
			return codecErr("MQTT-1.5.3-2", "utf8-contents-error: null code point not allowed")
		}
		if r == utf8.RuneError && size == 1 {
			return codecErr("MQTT-1.5.3-1", "utf8-contents-error: invalid UTF-8 encoding")
		}
		i += size
	}
	return nil
}

// validatePassword enforces the password-only length cap; password bytes
// are opaque and skip UTF-8 content validation per spec.md §4.1.
func validatePassword(p []byte) error {
	if len(p) > math.MaxUint16 {
		return codecErr("MQTT-3.1.3-11", "password-length-error: exceeds 65535 bytes")
	}
	return nil
}
