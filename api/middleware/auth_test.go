package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func runAuth(t *testing.T, keys []string, header, value string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	if header != "" {
		c.Request.Header.Set(header, value)
	}
	Auth(keys)(c)
	return w, c.IsAborted()
}

func TestAuth_NoKeysConfiguredIsOpen(t *testing.T) {
	_, aborted := runAuth(t, nil, "", "")
	if aborted {
		t.Fatal("request aborted with auth disabled")
	}
}

func TestAuth_MissingKeyRejected(t *testing.T) {
	w, aborted := runAuth(t, []string{"secret"}, "", "")
	if !aborted || w.Code != http.StatusUnauthorized {
		t.Fatalf("aborted=%v status=%d", aborted, w.Code)
	}
}

func TestAuth_InvalidKeyRejected(t *testing.T) {
	w, aborted := runAuth(t, []string{"secret"}, "X-API-Key", "wrong")
	if !aborted || w.Code != http.StatusUnauthorized {
		t.Fatalf("aborted=%v status=%d", aborted, w.Code)
	}
}

func TestAuth_HeaderAndBearerAccepted(t *testing.T) {
	if _, aborted := runAuth(t, []string{"secret"}, "X-API-Key", "secret"); aborted {
		t.Fatal("X-API-Key rejected")
	}
	if _, aborted := runAuth(t, []string{"a", "secret"}, "Authorization", "Bearer secret"); aborted {
		t.Fatal("bearer token rejected")
	}
}

func TestKeyring_SkipsEmptyKeys(t *testing.T) {
	kr := newKeyring([]string{"", "secret", ""})
	if len(kr) != 1 {
		t.Fatalf("len %d", len(kr))
	}
	if kr.match("") {
		t.Fatal("empty candidate matched")
	}
	if !kr.match("secret") {
		t.Fatal("configured key did not match")
	}
}
