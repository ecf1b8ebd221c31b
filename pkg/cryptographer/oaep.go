package cryptographer

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/big"
)

// encryptOAEP implements RSAES-OAEP-ENCRYPT (RFC 8017 §7.1.1) with SHA-256
// for the label hash and SHA-1 for MGF1. rsa.EncryptOAEP cannot mix the two,
// while rsa.PrivateKey.Decrypt accepts the combination via OAEPOptions.
func encryptOAEP(random io.Reader, pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	if pub == nil || pub.N == nil || pub.E < 2 {
		return nil, fmt.Errorf("%w: invalid public key", ErrCryptoOperationFailed)
	}
	k := pub.Size()
	hLen := sha256.Size
	if len(msg) > k-2*hLen-2 {
		return nil, fmt.Errorf("%w: message of %d bytes is too long for a %d-bit key", ErrCryptoOperationFailed, len(msg), pub.N.BitLen())
	}

	// EM = 0x00 || maskedSeed || maskedDB
	em := make([]byte, k)
	seed := em[1 : 1+hLen]
	db := em[1+hLen:]

	lHash := sha256.Sum256(nil)
	copy(db, lHash[:])
	db[len(db)-len(msg)-1] = 0x01
	copy(db[len(db)-len(msg):], msg)

	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, fmt.Errorf("cryptographer: oaep seed: %w", err)
	}

	mgf1XOR(db, sha1.New(), seed)
	mgf1XOR(seed, sha1.New(), db)

	m := new(big.Int).SetBytes(em)
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)
	if c.Sign() == 0 {
		return nil, errors.New("cryptographer: oaep produced zero ciphertext")
	}
	return c.FillBytes(make([]byte, k)), nil
}

// mgf1XOR XORs out with the MGF1 mask generated from seed.
func mgf1XOR(out []byte, h hash.Hash, seed []byte) {
	var counter [4]byte
	done := 0
	for done < len(out) {
		h.Reset()
		h.Write(seed)
		h.Write(counter[:])
		digest := h.Sum(nil)
		for i := 0; i < len(digest) && done < len(out); i++ {
			out[done] ^= digest[i]
			done++
		}
		binary.BigEndian.PutUint32(counter[:], binary.BigEndian.Uint32(counter[:])+1)
	}
}
