package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func protectedHandler(t *testing.T, a *Auth) (http.Handler, *string) {
	t.Helper()
	var seen string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := GetClaims(r.Context()); c != nil {
			seen = c.Username
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	return h, &seen
}

func TestMiddleware(t *testing.T) {
	a := New("test-secret")
	good, err := a.IssueToken(7, "alice", false, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	expired, _ := a.IssueToken(7, "alice", false, -time.Minute)
	foreign, _ := New("other-secret").IssueToken(7, "alice", false, time.Hour)
	slashy, _ := a.IssueToken(7, "../bob", false, time.Hour)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer", "Bearer " + good, "", http.StatusNoContent},
		{"query", "", good, http.StatusNoContent},
		{"missing", "", "", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, "", http.StatusUnauthorized},
		{"bad username", "Bearer " + slashy, "", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, seen := protectedHandler(t, a)
			target := "/api/v1/oss/list/"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusNoContent && *seen != "alice" {
				t.Errorf("claims username = %q", *seen)
			}
		})
	}
}

func TestValidateRejectsNoneAlg(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Username: "alice"})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New("k").Validate(s); err == nil {
		t.Error("unsigned token accepted")
	}
}
