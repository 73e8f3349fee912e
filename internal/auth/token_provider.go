package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
)

const tokenRefreshBuffer = 5 * time.Minute

// renewFunc obtains a fresh token given the current one
type renewFunc func(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error)

// TokenProvider hands out bearer tokens for Drive calls. It renews the
// token shortly before expiry and on demand through Refresh, which is what
// the retry governor calls after an auth failure.
type TokenProvider struct {
	mu      sync.Mutex
	token   *oauth2.Token
	renew   renewFunc
	persist func(*oauth2.Token) error
	clock   clockwork.Clock
	logger  logging.Logger
	source  string
}

func newTokenProvider(source string, token *oauth2.Token, renew renewFunc, persist func(*oauth2.Token) error, logger logging.Logger) *TokenProvider {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &TokenProvider{
		token:   token,
		renew:   renew,
		persist: persist,
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		source:  source,
	}
}

// NewStaticTokenProvider wraps a bare access token that cannot be renewed
func NewStaticTokenProvider(accessToken string) *TokenProvider {
	return newTokenProvider("static", &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}, nil, nil, nil)
}

// Source names where the credential came from, for status output
func (p *TokenProvider) Source() string {
	return p.source
}

// CanRefresh reports whether the credential is renewable
func (p *TokenProvider) CanRefresh() bool {
	return p.renew != nil
}

// Token implements oauth2.TokenSource
func (p *TokenProvider) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fresh() {
		return p.token, nil
	}
	if p.renew == nil {
		if p.token != nil && p.token.AccessToken != "" {
			// a static token is used until the server rejects it
			return p.token, nil
		}
		return nil, authRequired()
	}
	if err := p.renewLocked(context.Background()); err != nil {
		return nil, err
	}
	return p.token, nil
}

// Refresh forces a renewal regardless of the current token's expiry
func (p *TokenProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.renew == nil {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeAuthExpired,
			"access token was rejected and cannot be renewed").
			WithContext("source", p.source).
			Build())
	}
	return p.renewLocked(ctx)
}

func (p *TokenProvider) fresh() bool {
	if p.token == nil || p.token.AccessToken == "" {
		return false
	}
	if p.token.Expiry.IsZero() {
		return true
	}
	return p.clock.Now().Add(tokenRefreshBuffer).Before(p.token.Expiry)
}

func (p *TokenProvider) renewLocked(ctx context.Context) error {
	next, err := p.renew(ctx, p.token)
	if err != nil {
		p.logger.Warn("Credential renewal failed", logging.F("source", p.source), logging.F("error", err.Error()))
		return err
	}
	if next.RefreshToken == "" && p.token != nil {
		next.RefreshToken = p.token.RefreshToken
	}
	p.token = next
	p.logger.Debug("Credential renewed", logging.F("source", p.source), logging.F("expiry", next.Expiry.Format(time.RFC3339)))

	if p.persist != nil {
		if err := p.persist(next); err != nil {
			p.logger.Warn("Could not persist renewed credential", logging.F("error", err.Error()))
		}
	}
	return nil
}

// HTTPClient returns a client that authorizes requests with p. base may be nil.
func (p *TokenProvider) HTTPClient(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &oauth2.Transport{Source: p, Base: base}}
}

// oauthRenew refreshes through the OAuth token endpoint
func oauthRenew(cfg *oauth2.Config) renewFunc {
	return func(ctx context.Context, current *oauth2.Token) (*oauth2.Token, error) {
		if current == nil || current.RefreshToken == "" {
			return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeAuthRequired,
				"stored credential has no refresh token").Build())
		}
		// an empty access token forces the source to hit the token endpoint
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	}
}

// sourceRenew mints a token from a fresh source on every renewal, so a
// cached token is never handed back after the server rejected it
func sourceRenew(newSource func(ctx context.Context) oauth2.TokenSource) renewFunc {
	return func(ctx context.Context, _ *oauth2.Token) (*oauth2.Token, error) {
		return newSource(ctx).Token()
	}
}

func authRequired() error {
	return utils.NewAppError(utils.NewCLIError(utils.ErrCodeAuthRequired,
		"No credentials found. Import a token with 'gdmirror auth import' or set GDMIRROR_ACCESS_TOKEN.").Build())
}
