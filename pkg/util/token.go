package util

import (
	"crypto/rand"
	"encoding/base64"
)

// RandomToken returns a URL-safe token carrying nbytes of entropy.
// Used for resource use passwords, which rotate on every release.
func RandomToken(nbytes int) string {
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
