package cryptographer

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Separator joins the ciphertext and IV segments of a SealedPayload. It
// cannot occur inside standard base64.
const Separator = "-SEPARATOR-"

// SealedPayload is a symmetric ciphertext with the IV needed to open it.
type SealedPayload struct {
	Ciphertext []byte
	IV         []byte
}

// String encodes p as base64(ciphertext) + Separator + base64(iv) using
// padded standard base64 without line breaks.
func (p SealedPayload) String() string {
	return base64.StdEncoding.EncodeToString(p.Ciphertext) + Separator + base64.StdEncoding.EncodeToString(p.IV)
}

// ParseSealedPayload reverses String.
func ParseSealedPayload(s string) (SealedPayload, error) {
	ctPart, ivPart, ok := strings.Cut(s, Separator)
	if !ok {
		return SealedPayload{}, fmt.Errorf("%w: missing separator", ErrMalformedInput)
	}
	ct, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return SealedPayload{}, fmt.Errorf("%w: ciphertext: %v", ErrMalformedInput, err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return SealedPayload{}, fmt.Errorf("%w: iv: %v", ErrMalformedInput, err)
	}
	return SealedPayload{Ciphertext: ct, IV: iv}, nil
}
