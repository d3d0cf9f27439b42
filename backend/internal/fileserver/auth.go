package fileserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// tokenByteLen is the AccessToken entropy per spec §3 (256 bits).
const tokenByteLen = 32

// GenerateAccessToken returns a fresh, hex-encoded, cryptographically random
// AccessToken (64 ASCII hex characters, per spec §6). Callers that mint a
// token for a new Instance (servermgr) use this; the Instance's own tests
// call the unexported alias below.
func GenerateAccessToken() string {
	return generateToken()
}

func generateToken() string {
	b := make([]byte, tokenByteLen)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process cannot safely mint secrets at
		// all; there is no sane fallback.
		panic("fileserver: failed to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// extractToken returns the token presented by r, either as the "token" query
// parameter or an "Authorization: Bearer <token>" header, and whether one was
// present at all.
func extractToken(r *http.Request) (string, bool) {
	if q := r.URL.Query().Get("token"); q != "" {
		return q, true
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok && rest != "" {
			return rest, true
		}
	}
	return "", false
}

// tokensEqual compares presented against expected in constant time,
// regardless of whether their lengths match.
//
// subtle.ConstantTimeCompare itself runs in time independent of the byte
// values it compares, but it short-circuits on length — comparing two
// differently-sized slices leaks that length mismatch through timing. To
// keep the whole comparison's shape independent of what the client sent, a
// mismatched-length input is compared against a same-length dummy buffer
// instead of being rejected immediately.
func tokensEqual(expected, presented string) bool {
	exp := []byte(expected)
	pres := []byte(presented)

	if len(pres) != len(exp) {
		dummy := make([]byte, len(exp))
		subtle.ConstantTimeCompare(exp, dummy)
		return false
	}
	return subtle.ConstantTimeCompare(exp, pres) == 1
}
