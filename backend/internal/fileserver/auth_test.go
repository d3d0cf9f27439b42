package fileserver

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
)

var hexTokenRe = regexp.MustCompile(`^[0-9a-f]+$`)

func TestGenerateToken_LengthAndAlphabet(t *testing.T) {
	tok := generateToken()
	if got, want := len(tok), 64; got != want {
		t.Errorf("len(generateToken()) = %d, want %d", got, want)
	}
	if !hexTokenRe.MatchString(tok) {
		t.Errorf("generateToken() = %q, not lowercase hex", tok)
	}
}

func TestGenerateToken_Uniqueness(t *testing.T) {
	const n = 500
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		tok := generateToken()
		if seen[tok] {
			t.Fatalf("duplicate token after %d draws: %q", i, tok)
		}
		seen[tok] = true
	}
}

func TestExtractToken_QueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?token=abc123", nil)
	tok, ok := extractToken(r)
	if !ok || tok != "abc123" {
		t.Errorf("extractToken = (%q, %v), want (abc123, true)", tok, ok)
	}
}

func TestExtractToken_BearerHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	tok, ok := extractToken(r)
	if !ok || tok != "abc123" {
		t.Errorf("extractToken = (%q, %v), want (abc123, true)", tok, ok)
	}
}

func TestExtractToken_Missing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	if _, ok := extractToken(r); ok {
		t.Error("extractToken found a token where none was presented")
	}
}

func TestTokensEqual(t *testing.T) {
	const expected = "0123456789abcdef"
	cases := []struct {
		name      string
		presented string
		want      bool
	}{
		{"exact match", expected, true},
		{"different value, same length", "fedcba9876543210", false},
		{"shorter", "0123", false},
		{"longer", expected + "extra", false},
		{"empty", "", false},
	}
	for _, c := range cases {
		if got := tokensEqual(expected, c.presented); got != c.want {
			t.Errorf("%s: tokensEqual = %v, want %v", c.name, got, c.want)
		}
	}
}
