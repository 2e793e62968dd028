package csp

import (
	"crypto/hmac"
	"crypto/sha1"
)

// hmacTagSize is the truncated HMAC-SHA1 tag length csp_hmac.h appends,
// not a full 20-byte digest.
const hmacTagSize = 4

// HMACAppend appends a truncated HMAC-SHA1 tag of payload (keyed by
// key) to payload, grounded in csp_hmac.h's tag-appended scheme. This is
// a shallow authentication layer, not a full protocol depth — see the
// HMAC scope note.
func HMACAppend(key, payload []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(payload)
	tag := mac.Sum(nil)[:hmacTagSize]
	return append(append([]byte{}, payload...), tag...)
}

// HMACVerify checks and strips the trailing HMAC tag, reporting false if
// it does not match.
func HMACVerify(key, framed []byte) ([]byte, bool) {
	if len(framed) < hmacTagSize {
		return nil, false
	}
	payload := framed[:len(framed)-hmacTagSize]
	got := framed[len(framed)-hmacTagSize:]

	mac := hmac.New(sha1.New, key)
	mac.Write(payload)
	want := mac.Sum(nil)[:hmacTagSize]

	if !hmac.Equal(got, want) {
		return nil, false
	}
	return payload, true
}
