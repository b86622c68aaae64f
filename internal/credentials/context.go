package credentials

import (
	"context"
	"errors"
)

type ctxKey struct{}

type boundTokens struct {
	tokens Tokens
	userID string
}

// ErrNoTokens is returned by Token when ctx carries no token source.
var ErrNoTokens = errors.New("no credential provider in context")

// WithTokens binds t and the run's user to ctx so modules can fetch
// tokens while they execute.
func WithTokens(ctx context.Context, t Tokens, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, boundTokens{tokens: t, userID: userID})
}

// Token returns a valid access token for provider using the source bound
// to ctx.
func Token(ctx context.Context, provider string) (string, error) {
	b, ok := ctx.Value(ctxKey{}).(boundTokens)
	if !ok || b.tokens == nil {
		return "", ErrNoTokens
	}
	return b.tokens.GetValidToken(ctx, b.userID, provider)
}
