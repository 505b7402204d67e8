package middleware

import (
	"context"
	"net/http"

	"github.com/mssola/useragent"
)

// ClientMetadata describes the caller's browser environment, recorded on
// connect and callback audit logs.
type ClientMetadata struct {
	IP      string
	Browser string
	OS      string
	Mobile  bool
}

type clientMetadataKey struct{}

// Metadata extracts client IP and a parsed User-Agent into the request
// context. It should run before the connection handlers so their audit logs
// can name the browser that drove the OAuth flow.
func Metadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		md := ClientMetadata{IP: ClientIP(r)}
		if uaHeader := r.Header.Get("User-Agent"); uaHeader != "" {
			ua := useragent.New(uaHeader)
			name, version := ua.Browser()
			md.Browser = name
			if version != "" {
				md.Browser = name + "/" + version
			}
			md.OS = ua.OS()
			md.Mobile = ua.Mobile()
		}
		ctx := context.WithValue(r.Context(), clientMetadataKey{}, md)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClientMetadata retrieves client metadata from the context.
func GetClientMetadata(ctx context.Context) ClientMetadata {
	if md, ok := ctx.Value(clientMetadataKey{}).(ClientMetadata); ok {
		return md
	}
	return ClientMetadata{}
}
