package ftp

import (
	"strings"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// nameCodec converts path names between UTF-8 and the server's control
// channel encoding. The zero value passes names through.
type nameCodec struct {
	enc encoding.Encoding
}

// newNameCodec resolves an encoding label such as "windows-1252" or
// "shift_jis". UTF-8 needs no conversion.
func newNameCodec(label string) (nameCodec, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "utf8" {
		return nameCodec{}, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nameCodec{}, errors.Errorf("unknown FTP encoding %q: %w", label, err)
	}
	return nameCodec{enc: enc}, nil
}

// encode converts a UTF-8 path for the wire. Characters the encoding cannot
// represent fail.
func (c nameCodec) encode(s string) (string, error) {
	if c.enc == nil {
		return s, nil
	}
	out, err := c.enc.NewEncoder().String(s)
	if err != nil {
		return "", errors.Errorf("%q cannot be represented in the server encoding: %w", s, err)
	}
	return out, nil
}

// decode converts a name received from the server to UTF-8.
func (c nameCodec) decode(s string) string {
	if c.enc == nil {
		return s
	}
	out, err := c.enc.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}
