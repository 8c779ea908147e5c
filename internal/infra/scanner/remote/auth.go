package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Auth types.
const (
	AuthNone   = ""
	AuthAPIKey = "api_key"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthOAuth2 = "oauth2"
)

// AuthConfig configures request authentication.
type AuthConfig struct {
	Type string `mapstructure:"type" validate:"omitempty,oneof=api_key bearer basic oauth2"`

	// api_key: sent in Header, or in QueryParam when set.
	Key        string `mapstructure:"key"`
	Header     string `mapstructure:"header"`
	QueryParam string `mapstructure:"query_param"`

	Token string `mapstructure:"token"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// oauth2 client credentials.
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// Validate checks the fields required by Type.
func (a AuthConfig) Validate() error {
	switch a.Type {
	case AuthNone:
	case AuthAPIKey:
		if a.Key == "" {
			return fmt.Errorf("api_key auth needs a key")
		}
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("bearer auth needs a token")
		}
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("basic auth needs a username")
		}
	case AuthOAuth2:
		if a.TokenURL == "" || a.ClientID == "" {
			return fmt.Errorf("oauth2 auth needs token_url and client_id")
		}
	default:
		return fmt.Errorf("unknown auth type %q", a.Type)
	}
	return nil
}

// authenticator decorates outbound requests with credentials.
type authenticator interface {
	apply(ctx context.Context, req *http.Request) error
	// invalidate drops cached credentials after a 401.
	invalidate()
}

func newAuthenticator(cfg AuthConfig, client *http.Client) authenticator {
	switch cfg.Type {
	case AuthAPIKey:
		return apiKeyAuth{cfg: cfg}
	case AuthBearer:
		return staticHeaderAuth{header: "Authorization", value: "Bearer " + cfg.Token}
	case AuthBasic:
		return basicAuth{username: cfg.Username, password: cfg.Password}
	case AuthOAuth2:
		return newOAuth2Auth(cfg, client)
	default:
		return noAuth{}
	}
}

type noAuth struct{}

func (noAuth) apply(context.Context, *http.Request) error { return nil }
func (noAuth) invalidate()                                {}

type apiKeyAuth struct{ cfg AuthConfig }

func (a apiKeyAuth) apply(_ context.Context, req *http.Request) error {
	if a.cfg.QueryParam != "" {
		q := req.URL.Query()
		q.Set(a.cfg.QueryParam, a.cfg.Key)
		req.URL.RawQuery = q.Encode()
		return nil
	}
	header := a.cfg.Header
	if header == "" {
		header = "X-API-Key"
	}
	req.Header.Set(header, a.cfg.Key)
	return nil
}

func (apiKeyAuth) invalidate() {}

type staticHeaderAuth struct{ header, value string }

func (a staticHeaderAuth) apply(_ context.Context, req *http.Request) error {
	req.Header.Set(a.header, a.value)
	return nil
}

func (staticHeaderAuth) invalidate() {}

type basicAuth struct{ username, password string }

func (a basicAuth) apply(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(a.username, a.password)
	return nil
}

func (basicAuth) invalidate() {}

// oauth2Auth implements the client credentials grant. The token source caches
// the token and refreshes it shortly before it expires.
type oauth2Auth struct {
	cfg    clientcredentials.Config
	client *http.Client

	mu     sync.Mutex
	source oauth2.TokenSource
}

func newOAuth2Auth(cfg AuthConfig, client *http.Client) *oauth2Auth {
	a := &oauth2Auth{
		cfg: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		client: client,
	}
	a.source = a.newSource()
	return a
}

// newSource builds a token source that fetches tokens through the scanner's
// instrumented client.
func (a *oauth2Auth) newSource() oauth2.TokenSource {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, a.client)
	return a.cfg.TokenSource(ctx)
}

func (a *oauth2Auth) apply(_ context.Context, req *http.Request) error {
	a.mu.Lock()
	source := a.source
	a.mu.Unlock()

	token, err := source.Token()
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	token.SetAuthHeader(req)
	return nil
}

func (a *oauth2Auth) invalidate() {
	a.mu.Lock()
	a.source = a.newSource()
	a.mu.Unlock()
}
