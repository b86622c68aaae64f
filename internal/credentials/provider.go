// Package credentials hands out OAuth access tokens, refreshing them
// through golang.org/x/oauth2 shortly before they expire.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// ExpiryBuffer is how long before its recorded expiry a token is already
// treated as expired.
const ExpiryBuffer = 300 * time.Second

// Tokens resolves a valid access token for a user's provider account.
type Tokens interface {
	GetValidToken(ctx context.Context, userID, provider string) (string, error)
}

// Provider implements Tokens on top of a CredentialStore.
type Provider struct {
	store   persistence.CredentialStore
	recipes Recipes
	apps    map[string]api.AppCredentials
	client  *http.Client
	now     func() time.Time
	group   singleflight.Group
}

var _ Tokens = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithRecipes replaces the provider registry.
func WithRecipes(r Recipes) Option {
	return func(p *Provider) { p.recipes = r }
}

// WithAppCredentials sets process-level client ids and secrets, keyed by
// provider. They are used when the user's store has none.
func WithAppCredentials(apps map[string]api.AppCredentials) Option {
	return func(p *Provider) { p.apps = apps }
}

// WithHTTPClient sets the client used to call token endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider creates a Provider.
func NewProvider(store persistence.CredentialStore, opts ...Option) *Provider {
	p := &Provider{
		store:   store,
		recipes: DefaultRecipes(),
		apps:    map[string]api.AppCredentials{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Expired reports whether a token expiring at expiresAt must be refreshed
// at now. Tokens without an expiry never expire.
func Expired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return !now.Before(expiresAt.Add(-ExpiryBuffer))
}

// AppCredentialsName is the credential store entry holding a user's own
// OAuth app for provider.
func AppCredentialsName(provider string) string {
	return provider + "_oauth2_app"
}

func (p *Provider) GetValidToken(ctx context.Context, userID, provider string) (string, error) {
	cred, err := p.store.GetCredential(ctx, userID, provider)
	if errors.Is(err, persistence.ErrCredentialNotFound) {
		return "", &api.CredentialError{Provider: provider, Err: ErrNoAccount}
	}
	if err != nil {
		return "", &api.CredentialError{Provider: provider, Err: err}
	}
	if !Expired(cred.ExpiresAt, p.now()) {
		return cred.AccessToken, nil
	}

	// Concurrent callers for one account share a single refresh.
	key := userID + "/" + provider
	v, err, _ := p.group.Do(key, func() (any, error) {
		return p.refresh(ctx, cred)
	})
	if err != nil {
		return "", &api.CredentialError{Provider: provider, Err: err}
	}
	return v.(string), nil
}

func (p *Provider) appCredentials(ctx context.Context, userID, provider string) (api.AppCredentials, error) {
	app, err := p.store.GetAppCredentials(ctx, userID, AppCredentialsName(provider))
	switch {
	case err == nil && app.ClientID != "" && app.ClientSecret != "":
		return *app, nil
	case err != nil && !errors.Is(err, persistence.ErrCredentialNotFound):
		return api.AppCredentials{}, err
	}
	if cfg, ok := p.apps[provider]; ok && cfg.ClientID != "" && cfg.ClientSecret != "" {
		return cfg, nil
	}
	return api.AppCredentials{}, ErrNoAppCredentials
}

func (p *Provider) refresh(ctx context.Context, cred *api.Credential) (string, error) {
	recipe, ok := p.recipes[cred.Provider]
	if !ok {
		return "", ErrNoRecipe
	}
	app, err := p.appCredentials(ctx, cred.UserID, cred.Provider)
	if err != nil {
		return "", err
	}

	conf := &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		Endpoint:     recipe.Endpoint,
		Scopes:       recipe.Scopes,
	}
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}
	// An already-expired token forces the source to hit the endpoint.
	src := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       p.now().Add(-time.Second),
	})
	tok, err := src.Token()
	if err != nil {
		return "", p.refreshError(cred.Provider, err)
	}

	upd := api.TokenUpdate{AccessToken: tok.AccessToken}
	// The oauth2 package carries the old refresh token forward when the
	// provider issues none.
	if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
		upd.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		upd.ExpiresAt = &exp
	}
	if err := p.store.UpdateTokens(context.WithoutCancel(ctx), cred.UserID, cred.AccountID, upd); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}
	ctxlog.FromContext(ctx).Info("token refreshed",
		"provider", cred.Provider, "user_id", cred.UserID, "rotated", upd.RefreshToken != "")
	return tok.AccessToken, nil
}

func (p *Provider) refreshError(provider string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &RefreshError{Provider: provider, Err: err}
	}
	out := &RefreshError{Provider: provider, Body: string(re.Body), Err: err}
	if re.Response != nil {
		out.Status = re.Response.StatusCode
	}
	if re.ErrorCode == "invalid_grant" {
		return &ReauthRequiredError{Provider: provider, Cause: out}
	}
	return out
}

// Seed resolves tokens for providers and returns them as the object
// seeded under the run's "credential" variable.
func Seed(ctx context.Context, t Tokens, userID string, providers []string) (api.Value, error) {
	fields := make([]api.Field, 0, len(providers))
	for _, name := range providers {
		tok, err := t.GetValidToken(ctx, userID, name)
		if err != nil {
			return api.Undefined(), err
		}
		fields = append(fields, api.Field{Key: name, Value: api.Object(
			api.Field{Key: "accessToken", Value: api.String(tok)},
		)})
	}
	return api.Object(fields...), nil
}
