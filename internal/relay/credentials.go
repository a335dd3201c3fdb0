package relay

import "context"

// CredentialProvider supplies the bearer token forwarded to the backend.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

type tokenContextKey struct{}

// ContextWithToken returns a context carrying the caller's token. HTTP
// middleware calls this so the relay can forward the browser's credential.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the token stored by ContextWithToken.
func TokenFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tokenContextKey{}).(string)
	return v, ok && v != ""
}

// ContextToken prefers a per-request token from the context and falls back
// to a server-side one.
type ContextToken struct {
	Fallback string
}

func (c ContextToken) Token(ctx context.Context) (string, error) {
	if tok, ok := TokenFromContext(ctx); ok {
		return tok, nil
	}
	return c.Fallback, nil
}
