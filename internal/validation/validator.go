// Package validation performs stateless structural checks on inbound requests
// before any identity or rate logic runs.
package validation

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// Violation codes.
const (
	CodeInvalidMethod   = "INVALID_METHOD"
	CodeHeaderLimit     = "HEADER_LIMIT"
	CodeForbiddenHeader = "FORBIDDEN_HEADER"
	CodeQueryLimit      = "QUERY_LIMIT"
	CodeSQLInjection    = "SQL_INJECTION"
	CodePathTraversal   = "PATH_TRAVERSAL"
	CodeBodyTooLarge    = "BODY_TOO_LARGE"
	CodeInvalidJSON     = "INVALID_JSON"
	CodeJSONTooDeep     = "JSON_TOO_DEEP"
	CodeJSONTooManyKeys = "JSON_TOO_MANY_KEYS"
)

// Violation describes why a request was rejected.
type Violation struct {
	Code    string
	Status  int
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// Limits holds every ceiling the validator enforces.
type Limits struct {
	MaxHeaders        int
	MaxHeaderNameLen  int
	MaxHeaderValueLen int
	MaxQueryParams    int
	MaxQueryLength    int
	MaxBodyBytes      int64
	MaxJSONDepth      int
	MaxJSONKeys       int
	AllowedMethods    []string
	ForbiddenHeaders  []string
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeaders:        100,
		MaxHeaderNameLen:  256,
		MaxHeaderValueLen: 8192,
		MaxQueryParams:    50,
		MaxQueryLength:    2048,
		MaxBodyBytes:      1 << 20,
		MaxJSONDepth:      10,
		MaxJSONKeys:       1000,
		AllowedMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions, http.MethodHead},
		ForbiddenHeaders:  []string{"X-Forwarded-Host", "X-Original-URL", "X-Rewrite-URL"},
	}
}

// sqlInjectionPatterns run against each decoded query key and value on its own,
// so SQL words spread over separate parameters never combine into a match.
var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	regexp.MustCompile(`(?i)['"]\s*\)?\s*(;|--|#|/\*)`),
	regexp.MustCompile(`(?i)['"]\s*\)?\s*(or|and)\s+['"\d(]`),
	regexp.MustCompile(`(?i)\b(or|and)\s+(\d+)\s*=\s*(\d+)\b`),
	regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|alter|truncate|create|shutdown|exec)\b`),
	regexp.MustCompile(`(?i)\b(sleep|pg_sleep|benchmark)\s*\(\s*\d`),
	regexp.MustCompile(`(?i)\bwaitfor\s+delay\s+'`),
	regexp.MustCompile(`/\*.*\*/`),
}

var traversalMarkers = []string{"..", "%2e%2e", "%2e.", ".%2e", "%252e", "%00", "\x00", "//", "%2f%2f", "..%5c", "%5c.."}

type Validator struct {
	limits    Limits
	methods   map[string]struct{}
	forbidden map[string]struct{}
}

func New(limits Limits) *Validator {
	v := &Validator{
		limits:    limits,
		methods:   make(map[string]struct{}, len(limits.AllowedMethods)),
		forbidden: make(map[string]struct{}, len(limits.ForbiddenHeaders)),
	}
	for _, m := range limits.AllowedMethods {
		v.methods[strings.ToUpper(m)] = struct{}{}
	}
	for _, h := range limits.ForbiddenHeaders {
		v.forbidden[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	return v
}

// Validate returns the first violation found, or nil. A JSON body is read and
// replaced so downstream handlers can still consume it.
func (v *Validator) Validate(r *http.Request) *Violation {
	if viol := v.checkMethod(r); viol != nil {
		return viol
	}
	if viol := v.checkPath(r); viol != nil {
		return viol
	}
	if viol := v.checkHeaders(r); viol != nil {
		return viol
	}
	if viol := v.checkQuery(r); viol != nil {
		return viol
	}
	return v.checkBody(r)
}

func (v *Validator) checkMethod(r *http.Request) *Violation {
	if _, ok := v.methods[r.Method]; !ok {
		return &Violation{Code: CodeInvalidMethod, Status: http.StatusMethodNotAllowed, Message: "method " + r.Method + " not allowed"}
	}
	return nil
}

func (v *Validator) checkPath(r *http.Request) *Violation {
	candidates := []string{r.URL.Path, r.URL.EscapedPath()}
	if strings.HasPrefix(r.RequestURI, "/") {
		candidates = append(candidates, r.RequestURI)
	}
	for _, c := range candidates {
		path, _, _ := strings.Cut(c, "?")
		lower := strings.ToLower(path)
		for _, marker := range traversalMarkers {
			if strings.Contains(lower, marker) {
				return &Violation{Code: CodePathTraversal, Status: http.StatusBadRequest, Message: "path contains a traversal sequence"}
			}
		}
	}
	return nil
}

func (v *Validator) checkHeaders(r *http.Request) *Violation {
	count := 0
	for name, values := range r.Header {
		if _, bad := v.forbidden[http.CanonicalHeaderKey(name)]; bad {
			return &Violation{Code: CodeForbiddenHeader, Status: http.StatusBadRequest, Message: "header " + name + " is not accepted"}
		}
		if len(name) > v.limits.MaxHeaderNameLen {
			return &Violation{Code: CodeHeaderLimit, Status: http.StatusBadRequest, Message: "header name too long"}
		}
		for _, value := range values {
			if len(value) > v.limits.MaxHeaderValueLen {
				return &Violation{Code: CodeHeaderLimit, Status: http.StatusBadRequest, Message: "header " + name + " value too long"}
			}
		}
		count += len(values)
	}
	if count > v.limits.MaxHeaders {
		return &Violation{Code: CodeHeaderLimit, Status: http.StatusBadRequest, Message: "too many headers"}
	}
	return nil
}

func (v *Validator) checkQuery(r *http.Request) *Violation {
	raw := r.URL.RawQuery
	if raw == "" {
		return nil
	}
	if len(raw) > v.limits.MaxQueryLength {
		return &Violation{Code: CodeQueryLimit, Status: http.StatusBadRequest, Message: "query string too long"}
	}
	// Scanned before ParseQuery, which refuses semicolons that stacked
	// statements rely on.
	for _, part := range queryParts(raw) {
		if looksLikeSQLInjection(part) {
			return &Violation{Code: CodeSQLInjection, Status: http.StatusBadRequest, Message: "query string matches an injection signature"}
		}
	}
	params, err := url.ParseQuery(raw)
	if err != nil {
		return &Violation{Code: CodeQueryLimit, Status: http.StatusBadRequest, Message: "malformed query string"}
	}
	count := 0
	for _, vals := range params {
		count += len(vals)
	}
	if count > v.limits.MaxQueryParams {
		return &Violation{Code: CodeQueryLimit, Status: http.StatusBadRequest, Message: "too many query parameters"}
	}
	return nil
}

// queryParts splits raw into decoded keys and values. Pieces that fail to
// decode are returned as is.
func queryParts(raw string) []string {
	var out []string
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		for _, piece := range []string{key, value} {
			if piece == "" {
				continue
			}
			if dec, err := url.QueryUnescape(piece); err == nil {
				piece = dec
			}
			out = append(out, piece)
		}
	}
	return out
}

func looksLikeSQLInjection(s string) bool {
	for _, re := range sqlInjectionPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (v *Validator) checkBody(r *http.Request) *Violation {
	if r.ContentLength > v.limits.MaxBodyBytes {
		return &Violation{Code: CodeBodyTooLarge, Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, v.limits.MaxBodyBytes+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return &Violation{Code: CodeInvalidJSON, Status: http.StatusBadRequest, Message: "unreadable request body"}
	}
	if int64(len(data)) > v.limits.MaxBodyBytes {
		return &Violation{Code: CodeBodyTooLarge, Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
	}
	if len(bytes.TrimSpace(data)) == 0 || !isJSON(r.Header.Get("Content-Type")) {
		return nil
	}
	return v.checkJSON(data)
}

func isJSON(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") || strings.Contains(ct, "+json")
}

func (v *Validator) checkJSON(data []byte) *Violation {
	// Depth is measured on the raw bytes so hostile nesting never reaches a recursive decoder.
	if depth := maxDepth(data); depth > v.limits.MaxJSONDepth {
		return &Violation{Code: CodeJSONTooDeep, Status: http.StatusBadRequest, Message: fmt.Sprintf("json nesting exceeds %d", v.limits.MaxJSONDepth)}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &Violation{Code: CodeInvalidJSON, Status: http.StatusBadRequest, Message: "malformed json body"}
	}
	if keys := countKeys(doc); keys > v.limits.MaxJSONKeys {
		return &Violation{Code: CodeJSONTooManyKeys, Status: http.StatusBadRequest, Message: fmt.Sprintf("json body has more than %d keys", v.limits.MaxJSONKeys)}
	}
	return nil
}

func maxDepth(data []byte) int {
	depth, deepest := 0, 0
	inString, escaped := false, false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case '}', ']':
			depth--
		}
	}
	return deepest
}

func countKeys(node any) int {
	switch n := node.(type) {
	case map[string]any:
		total := len(n)
		for _, child := range n {
			total += countKeys(child)
		}
		return total
	case []any:
		total := 0
		for _, child := range n {
			total += countKeys(child)
		}
		return total
	default:
		return 0
	}
}
