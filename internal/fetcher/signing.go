package fetcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
)

func hmacSum(newHash func() hash.Hash, secret []byte, message string) []byte {
	mac := hmac.New(newHash, secret)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

func hmacSHA256Hex(secret, message string) string {
	return hex.EncodeToString(hmacSum(sha256.New, []byte(secret), message))
}

func hmacSHA256Base64(secret, message string) string {
	return base64.StdEncoding.EncodeToString(hmacSum(sha256.New, []byte(secret), message))
}

func hmacSHA512Hex(secret, message string) string {
	return hex.EncodeToString(hmacSum(sha512.New, []byte(secret), message))
}

func sha512Hex(payload string) string {
	sum := sha512.Sum512([]byte(payload))
	return hex.EncodeToString(sum[:])
}
