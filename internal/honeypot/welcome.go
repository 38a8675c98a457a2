package honeypot

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/honeyport/honeyport/internal/config"
)

// ErrUnsupportedEncoding is returned for welcome types that are neither
// Base64 nor a supported IANA charset.
var ErrUnsupportedEncoding = errors.New("unsupported encoding")

// EncodeWelcome returns the bytes sent on the wire for msg.
// Base64 content is decoded; any other type names the charset the text
// content is encoded to.
func EncodeWelcome(msg config.WelcomeMessage) ([]byte, error) {
	if msg.IsBase64() {
		data, err := base64.StdEncoding.DecodeString(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 welcome message: %w", err)
		}
		return data, nil
	}

	switch strings.ToUpper(strings.TrimSpace(msg.Type)) {
	case "UTF-8", "UTF8":
		return []byte(msg.Content), nil
	case "US-ASCII", "ASCII":
		return encodeASCII(msg.Content), nil
	}

	enc, err := ianaindex.IANA.Encoding(msg.Type)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, msg.Type)
	}

	data, err := enc.NewEncoder().Bytes([]byte(msg.Content))
	if err != nil {
		return nil, fmt.Errorf("failed to encode welcome message as %s: %w", msg.Type, err)
	}
	return data, nil
}

// encodeASCII maps every character outside 7-bit ASCII to '?'.
func encodeASCII(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0x7F {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return out
}
