package handler

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/rs/zerolog"

	"apigate/internal/auth"
)

// Headers the proxy adds for the upstream service.
const (
	KeyIDHeader = "X-Apigate-Key-Id"
	TierHeader  = "X-Apigate-Tier"
	OwnerHeader = "X-Apigate-Owner-Id"
)

// strippedHeaders carry client credentials and never reach the upstream.
var strippedHeaders = []string{"X-API-Key", "Authorization", "X-Admin-Key", "X-Signature", "X-Challenge-Response"}

// NewProxyHandler forwards admitted requests to upstream, replacing the
// caller's credentials with the resolved key identity.
func NewProxyHandler(upstream string, logger zerolog.Logger) (http.Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", upstream)
	}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			for _, h := range strippedHeaders {
				pr.Out.Header.Del(h)
			}
			if key, ok := auth.APIKeyFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(KeyIDHeader, key.ID)
				pr.Out.Header.Set(TierHeader, string(key.Tier))
				pr.Out.Header.Set(OwnerHeader, key.OwnerID)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
			writeAdminError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
	return proxy, nil
}
