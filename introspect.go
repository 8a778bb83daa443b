package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/aurelian-labs/oauthproxy/storage"
)

// Introspect implements RFC 7662. Unknown, expired or malformed tokens all
// yield active=false; introspection never errors toward the caller so it
// cannot be used to probe storage health.
func (p *Provider) Introspect(ctx context.Context, token string) *IntrospectionResponse {
	inactive := &IntrospectionResponse{Active: false}
	if token == "" {
		return inactive
	}

	if value, err := p.store.Get(ctx, storage.AccessTokenKey(token)); err == nil {
		var rec storage.AccessToken
		if storage.Decode(value, &rec) == nil && time.Now().Before(rec.ExpiresAt) {
			return &IntrospectionResponse{
				Active:    true,
				Scope:     rec.Scope,
				ClientID:  rec.ClientID,
				TokenType: tokenTypeBearer,
				Exp:       rec.ExpiresAt.Unix(),
			}
		}
		return inactive
	}

	if value, err := p.store.Get(ctx, storage.RefreshTokenKey(token)); err == nil {
		var rec storage.RefreshToken
		if storage.Decode(value, &rec) == nil && time.Now().Before(rec.ExpiresAt) {
			return &IntrospectionResponse{
				Active:   true,
				Scope:    rec.Scope,
				ClientID: rec.ClientID,
				Exp:      rec.ExpiresAt.Unix(),
			}
		}
	}
	return inactive
}

// Revoke implements RFC 7009. Revoking a refresh token retires its paired
// access token and its family index entry too; revoking an unknown token is
// a silent success so callers cannot probe token validity.
//
// When callerClientID is non-empty, tokens belonging to a different client
// are left untouched but still reported as revoked.
func (p *Provider) Revoke(ctx context.Context, token, callerClientID string) error {
	if token == "" {
		return nil
	}

	if value, err := p.store.Get(ctx, storage.AccessTokenKey(token)); err == nil {
		var rec storage.AccessToken
		if storage.Decode(value, &rec) != nil {
			return nil
		}
		if callerClientID != "" && rec.ClientID != callerClientID {
			return nil
		}
		if err := p.store.Delete(ctx, storage.AccessTokenKey(token)); err != nil {
			return ErrServerError("failed to revoke token")
		}
		p.metrics.RecordTokenRevocation(ctx, rec.ClientID)
		return nil
	}

	value, err := p.store.Get(ctx, storage.RefreshTokenKey(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return ErrServerError("token lookup failed")
	}
	var rec storage.RefreshToken
	if storage.Decode(value, &rec) != nil {
		return nil
	}
	if callerClientID != "" && rec.ClientID != callerClientID {
		return nil
	}

	if err := p.store.Delete(ctx, storage.RefreshTokenKey(token)); err != nil {
		return ErrServerError("failed to revoke token")
	}
	if rec.AccessToken != "" {
		if err := p.store.Delete(ctx, storage.AccessTokenKey(rec.AccessToken)); err != nil {
			p.logger.Warn("failed to delete paired access token", "error", err)
		}
	}
	if err := p.store.Delete(ctx, storage.FamilyMemberKey(rec.FamilyID, token)); err != nil {
		p.logger.Warn("failed to delete family index entry", "error", err)
	}

	p.metrics.RecordTokenRevocation(ctx, rec.ClientID)
	return nil
}

// ValidateAccessToken resolves a bearer token presented to a protected
// resource, returning the token metadata and the decrypted upstream context.
func (p *Provider) ValidateAccessToken(ctx context.Context, token string) (*TokenInfo, error) {
	if token == "" {
		return nil, ErrInvalidToken("missing bearer token")
	}

	value, err := p.store.Get(ctx, storage.AccessTokenKey(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidToken("invalid or expired access token")
	}
	if err != nil {
		return nil, ErrServerError("token lookup failed")
	}

	var rec storage.AccessToken
	if err := storage.Decode(value, &rec); err != nil {
		return nil, ErrServerError("corrupt access token record")
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrInvalidToken("invalid or expired access token")
	}

	info := &TokenInfo{
		UserID:    rec.UserID,
		ClientID:  rec.ClientID,
		Scope:     rec.Scope,
		ExpiresAt: rec.ExpiresAt,
	}
	if rec.UpstreamContext != "" {
		plain, err := p.encryptor.Decrypt(rec.UpstreamContext)
		if err != nil {
			return nil, ErrServerError("failed to decrypt upstream context")
		}
		info.UpstreamContext = plain
	}
	return info, nil
}
