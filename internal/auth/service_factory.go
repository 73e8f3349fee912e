package auth

import (
	"context"
	"net/http"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// ServiceOptions shapes the HTTP client behind the Drive service
type ServiceOptions struct {
	// RequestTimeout bounds the wait for response headers; zero disables it.
	// Bodies of long downloads are not subject to it.
	RequestTimeout time.Duration
	// Wrap, when set, decorates the base transport (request logging)
	Wrap func(http.RoundTripper) http.RoundTripper
	// Endpoint overrides the API base URL
	Endpoint string
}

// NewDriveService builds a Drive v3 client authorized by provider
func NewDriveService(ctx context.Context, provider *TokenProvider, opts ServiceOptions) (*drive.Service, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if opts.RequestTimeout > 0 {
		base.ResponseHeaderTimeout = opts.RequestTimeout
	}
	var rt http.RoundTripper = base
	if opts.Wrap != nil {
		rt = opts.Wrap(rt)
	}

	clientOpts := []option.ClientOption{option.WithHTTPClient(provider.HTTPClient(rt))}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	return drive.NewService(ctx, clientOpts...)
}
