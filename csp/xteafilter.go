package csp

import (
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/xtea"
)

// xteaBlockSize is XTEA's fixed 8-byte block size.
const xteaBlockSize = 8

// pkcs7Pad pads payload to a multiple of xteaBlockSize.
func pkcs7Pad(payload []byte) []byte {
	padLen := xteaBlockSize - len(payload)%xteaBlockSize
	out := make([]byte, len(payload)+padLen)
	copy(out, payload)
	for i := len(payload); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%xteaBlockSize != 0 {
		return nil, fmt.Errorf("csp: invalid XTEA padding")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > xteaBlockSize || padLen > len(data) {
		return nil, fmt.Errorf("csp: invalid XTEA padding")
	}
	return data[:len(data)-padLen], nil
}

// XTEAEncrypt encrypts payload under a zero IV CBC mode, grounded in
// libCSP's csp_xtea.c use of a block cipher over the fixed-size packet
// buffer. Shallow by design (§1 scope note): no per-packet nonce, no
// authentication — pair with HMACAppend when integrity matters too.
func XTEAEncrypt(key [16]byte, payload []byte) ([]byte, error) {
	block, err := xtea.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("csp: xtea key: %w", err)
	}
	padded := pkcs7Pad(payload)
	iv := make([]byte, xteaBlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// XTEADecrypt reverses XTEAEncrypt.
func XTEADecrypt(key [16]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%xteaBlockSize != 0 {
		return nil, fmt.Errorf("csp: xtea ciphertext not block-aligned")
	}
	block, err := xtea.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("csp: xtea key: %w", err)
	}
	iv := make([]byte, xteaBlockSize)
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}
