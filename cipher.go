package rfm9x

import (
	"crypto/aes"
	"fmt"
)

// CipherBlockSize is the block size every Cipher must use.
const CipherBlockSize = 16

// Cipher is an optional block cipher applied to frame payloads.
// Input to both methods is always a multiple of CipherBlockSize.
type Cipher interface {
	Encrypt(src []byte) ([]byte, error)
	Decrypt(src []byte) ([]byte, error)
}

// encryptPayload prefixes msg with its length, zero pads to the block size and encrypts.
func encryptPayload(c Cipher, msg []byte) ([]byte, error) {
	if len(msg) > 255 {
		return nil, fmt.Errorf("%w: %d byte message cannot carry a length prefix", ErrCipher, len(msg))
	}
	n := (len(msg) + 1 + CipherBlockSize - 1) / CipherBlockSize * CipherBlockSize
	plain := make([]byte, n)
	plain[0] = byte(len(msg))
	copy(plain[1:], msg)

	out, err := c.Encrypt(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCipher, err)
	}
	return out, nil
}

// decryptPayload reverses encryptPayload, dropping the length prefix and padding.
func decryptPayload(c Cipher, block []byte) ([]byte, error) {
	plain, err := c.Decrypt(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCipher, err)
	}
	if len(plain) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrCipher)
	}
	n := int(plain[0])
	if 1+n > len(plain) {
		return nil, fmt.Errorf("%w: length prefix %d exceeds %d byte block", ErrCipher, n, len(plain))
	}
	msg := make([]byte, n)
	copy(msg, plain[1:1+n])
	return msg, nil
}

// aesCipher encrypts each 16 byte block independently, which is what the
// RadioHead-compatible nodes on the other end of the link expect.
type aesCipher struct {
	key []byte
}

// NewAESCipher returns a Cipher using AES with a 16, 24 or 32 byte key.
func NewAESCipher(key []byte) (Cipher, error) {
	if _, err := aes.NewCipher(key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCipher, err)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &aesCipher{key: k}, nil
}

func (c *aesCipher) Encrypt(src []byte) ([]byte, error) {
	return c.crypt(src, true)
}

func (c *aesCipher) Decrypt(src []byte) ([]byte, error) {
	return c.crypt(src, false)
}

func (c *aesCipher) crypt(src []byte, encrypt bool) ([]byte, error) {
	if len(src)%CipherBlockSize != 0 {
		return nil, fmt.Errorf("input of %d bytes is not a multiple of %d", len(src), CipherBlockSize)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	for i := 0; i < len(src); i += CipherBlockSize {
		if encrypt {
			block.Encrypt(dst[i:i+CipherBlockSize], src[i:i+CipherBlockSize])
		} else {
			block.Decrypt(dst[i:i+CipherBlockSize], src[i:i+CipherBlockSize])
		}
	}
	return dst, nil
}
