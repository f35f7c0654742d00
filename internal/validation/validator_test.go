package validation

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Accepts(t *testing.T) {
	v := New(DefaultLimits())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/content?page=2&sort=desc", strings.NewReader(`{"title":"hello","tags":["a","b"]}`))
	req.Header.Set("Content-Type", "application/json")

	require.Nil(t, v.Validate(req))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"hello","tags":["a","b"]}`, string(body), "body must remain readable")
}

func TestValidate_Rejects(t *testing.T) {
	deepJSON := strings.Repeat(`{"a":`, 11) + "1" + strings.Repeat("}", 11)
	var many strings.Builder
	many.WriteString("{")
	for i := 0; i < 1001; i++ {
		if i > 0 {
			many.WriteString(",")
		}
		many.WriteString(`"k` + strconv.Itoa(i) + `":1`)
	}
	many.WriteString("}")

	cases := []struct {
		name   string
		build  func() *http.Request
		code   string
		status int
	}{
		{"method", func() *http.Request { return httptest.NewRequest("TRACE", "/", nil) }, CodeInvalidMethod, 405},
		{"dot dot", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/v1/../../etc/passwd", nil) }, CodePathTraversal, 400},
		{"encoded dot dot", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/%2e%2e/secret", nil) }, CodePathTraversal, 400},
		{"double encoded", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/%252e%252e/secret", nil) }, CodePathTraversal, 400},
		{"null byte", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/file%00.txt", nil) }, CodePathTraversal, 400},
		{"double slash", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api//admin", nil) }, CodePathTraversal, 400},
		{"forbidden header", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("X-Original-URL", "/admin")
			return r
		}, CodeForbiddenHeader, 400},
		{"long header", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("X-Big", strings.Repeat("a", 8193))
			return r
		}, CodeHeaderLimit, 400},
		{"too many headers", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for i := 0; i < 101; i++ {
				r.Header.Add("X-Many", "v")
			}
			return r
		}, CodeHeaderLimit, 400},
		{"long query", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/?q="+strings.Repeat("a", 2100), nil)
		}, CodeQueryLimit, 400},
		{"many params", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/?"+strings.Repeat("a=1&", 51), nil)
		}, CodeQueryLimit, 400},
		{"union select", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/?id=1%20UNION%20SELECT%20password", nil)
		}, CodeSQLInjection, 400},
		{"tautology", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/?user=admin'%20OR%20'1'='1", nil)
		}, CodeSQLInjection, 400},
		{"stacked drop", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/?id=1;%20DROP%20TABLE%20users", nil)
		}, CodeSQLInjection, 400},
		{"quote comment", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/?user=admin'--", nil)
		}, CodeSQLInjection, 400},
		{"numeric tautology", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/?id=1%20or%201=1", nil)
		}, CodeSQLInjection, 400},
		{"time based", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/?id=1%20AND%20SLEEP(5)", nil)
		}, CodeSQLInjection, 400},
		{"inline comment", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/?id=1%20UN/**/ION%20SEL/**/ECT%201", nil)
		}, CodeSQLInjection, 400},
		{"injection in key", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/?x'%20OR%20'a'='a=1", nil)
		}, CodeSQLInjection, 400},
		{"deep json", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(deepJSON))
			r.Header.Set("Content-Type", "application/json")
			return r
		}, CodeJSONTooDeep, 400},
		{"many keys", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(many.String()))
			r.Header.Set("Content-Type", "application/json")
			return r
		}, CodeJSONTooManyKeys, 400},
		{"malformed json", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":`))
			r.Header.Set("Content-Type", "application/json; charset=utf-8")
			return r
		}, CodeInvalidJSON, 400},
		{"declared oversize", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
			r.ContentLength = 2 << 20
			return r
		}, CodeBodyTooLarge, 413},
		{"streamed oversize", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", (1<<20)+1)))
			r.ContentLength = -1
			return r
		}, CodeBodyTooLarge, 413},
	}

	v := New(DefaultLimits())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			viol := v.Validate(tc.build())
			require.NotNil(t, viol)
			assert.Equal(t, tc.code, viol.Code)
			assert.Equal(t, tc.status, viol.Status)
		})
	}
}

func TestValidate_OrdinaryQueriesPass(t *testing.T) {
	v := New(DefaultLimits())
	queries := []string{
		"action=delete&from=inbox",
		"select=id,name&set=summer",
		"tag=%23",
		"create=1&table=2",
		"q=select%20a%20color%20from%20the%20list",
		"title=Rock%20%27n%27%20Roll",
		"q=tom%20and%20jerry&page=2",
		"filter=status:open%20or%20status:pending",
		"comment=C%23%20--%20tips",
	}
	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/items?"+q, nil)
			assert.Nil(t, v.Validate(req))
		})
	}
}

func TestValidate_StringsDoNotCountAsNesting(t *testing.T) {
	v := New(DefaultLimits())
	body := `{"text":"` + strings.Repeat("{[", 50) + `\"}"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	assert.Nil(t, v.Validate(req))
}

func TestValidate_NonJSONBodyIsNotParsed(t *testing.T) {
	v := New(DefaultLimits())
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{{{{{{{{{{{{"))
	req.Header.Set("Content-Type", "text/plain")
	assert.Nil(t, v.Validate(req))
}
