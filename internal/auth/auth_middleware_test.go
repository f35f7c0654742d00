package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecretFromRequest(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "none", want: ""},
		{name: "api key header", headers: map[string]string{apiKeyHeader: " agk_abc "}, want: "agk_abc"},
		{name: "bearer", headers: map[string]string{authorizationHeader: "Bearer agk_def"}, want: "agk_def"},
		{name: "lowercase bearer", headers: map[string]string{authorizationHeader: "bearer agk_def"}, want: "agk_def"},
		{name: "basic ignored", headers: map[string]string{authorizationHeader: "Basic Zm9vOmJhcg=="}, want: ""},
		{name: "header wins", headers: map[string]string{apiKeyHeader: "agk_a", authorizationHeader: "Bearer agk_b"}, want: "agk_a"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := SecretFromRequest(req); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAPIKeyContext(t *testing.T) {
	if _, ok := APIKeyFromContext(context.Background()); ok {
		t.Fatal("expected no key on empty context")
	}
	ctx := WithAPIKey(context.Background(), APIKey{ID: "k1"})
	key, ok := APIKeyFromContext(ctx)
	if !ok || key.ID != "k1" {
		t.Fatalf("expected key k1, got %+v ok=%v", key, ok)
	}
}
