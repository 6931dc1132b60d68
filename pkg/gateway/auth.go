package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// maxAuthAttempts is how many bad signatures a websocket client may send
// before the connection is dropped.
const maxAuthAttempts = 3

// authenticator checks the shared secret on both surfaces: HMAC
// challenge-response for websocket clients and a header secret for HTTP
// requests.
type authenticator struct {
	secret string
}

func newAuthenticator(secret string) *authenticator {
	return &authenticator{secret: secret}
}

// challenge returns 32 random bytes, hex encoded.
func (a *authenticator) challenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// verify checks an HMAC-SHA256 signature over the challenge in constant
// time.
func (a *authenticator) verify(challenge, signature string) bool {
	if challenge == "" {
		return false
	}
	expected := SignChallenge(challenge, a.secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// authorizeRequest accepts either "Authorization: Bearer <secret>" or an
// X-Manus-Secret header.
func (a *authenticator) authorizeRequest(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return a.compare(strings.TrimPrefix(header, "Bearer "))
	}
	return a.compare(r.Header.Get("X-Manus-Secret"))
}

func (a *authenticator) compare(candidate string) bool {
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.secret), []byte(candidate)) == 1
}

// SignChallenge computes the signature a client must return for a
// challenge: hex(HMAC-SHA256(secret, challenge)).
func SignChallenge(challenge, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}
