package oauth

import "context"

type contextKey int

const tokenInfoKey contextKey = 0

// WithTokenInfo returns a context carrying the validated token info.
func WithTokenInfo(ctx context.Context, info *TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoKey, info)
}

// TokenInfoFromContext extracts the token info placed by the RequireToken
// middleware, if any.
func TokenInfoFromContext(ctx context.Context) (*TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoKey).(*TokenInfo)
	return info, ok
}
