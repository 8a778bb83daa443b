package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aurelian-labs/oauthproxy/instrumentation"
	"github.com/aurelian-labs/oauthproxy/security"
	"github.com/aurelian-labs/oauthproxy/storage"
)

// TokenRequest carries the form parameters of POST /token.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Exchange handles the token endpoint: authorization-code redemption and
// refresh-token rotation. The client is authenticated first; grant-specific
// validation follows.
func (p *Provider) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	ctx, span := p.tracer.Start(ctx, "oauth.token.exchange")
	defer span.End()
	instrumentation.AddGrantAttributes(span, req.GrantType)

	resp, err := p.exchange(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (p *Provider) exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := p.registry.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return p.exchangeCode(ctx, client, req)
	case GrantTypeRefreshToken:
		return p.exchangeRefresh(ctx, client, req)
	case "":
		return nil, ErrInvalidRequest("missing grant_type")
	default:
		return nil, ErrUnsupportedGrantType("grant_type must be authorization_code or refresh_token")
	}
}

func (p *Provider) exchangeCode(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("missing code")
	}

	value, err := p.store.Get(ctx, storage.CodeKey(req.Code))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, p.handleCodeReuse(ctx, req.Code)
	}
	if err != nil {
		p.logger.Error("authorization code lookup failed", "error", err)
		return nil, ErrServerError("authorization code lookup failed")
	}

	// Single use: delete before validating. A concurrent second redemption
	// may slip through this window; the codeused marker below narrows it.
	if err := p.store.Delete(ctx, storage.CodeKey(req.Code)); err != nil {
		p.logger.Warn("failed to delete authorization code", "error", err)
	}

	var code storage.AuthorizationCode
	if err := storage.Decode(value, &code); err != nil {
		return nil, ErrServerError("corrupt authorization code record")
	}

	if code.ClientID != client.ClientID {
		return nil, ErrInvalidGrant("authorization code was issued to a different client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if time.Now().After(code.ExpiresAt) {
		return nil, ErrInvalidGrant("authorization code expired")
	}

	if code.CodeChallenge != "" {
		if err := security.VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
			p.auditor.LogEvent(security.Event{
				Type:     security.EventPKCEValidationFailed,
				UserID:   code.UserID,
				ClientID: client.ClientID,
				Details:  map[string]any{"reason": err.Error()},
			})
			return nil, ErrInvalidGrant("PKCE verification failed: " + err.Error())
		}
	}

	// No upstream context exists yet on the first exchange; the callback
	// establishes it and the result is carried on the token records.
	result, err := p.config.ExchangeToken(ctx, &ExchangeRequest{
		GrantType: GrantTypeAuthorizationCode,
	})
	if err != nil {
		return nil, ErrInvalidGrant("upstream token exchange failed: " + err.Error())
	}

	familyID := uuid.NewString()
	pair, err := p.issueTokenPair(ctx, client, code.UserID, code.Scope, familyID, 0, result)
	if err != nil {
		return nil, err
	}

	// Leave the reuse marker behind for the rest of the code's natural
	// lifetime window.
	marker, err := storage.Encode(&storage.CodeUsedMarker{
		FamilyID: familyID,
		UserID:   code.UserID,
		ClientID: client.ClientID,
	})
	if err == nil {
		opts := &storage.PutOptions{ExpirationTTL: ttlSeconds(p.config.RotationMarkerTTL)}
		if err := p.store.Put(ctx, storage.CodeUsedKey(req.Code), marker, opts); err != nil {
			p.logger.Warn("failed to persist code-used marker", "error", err)
		}
	}

	p.metrics.RecordCodeExchange(ctx, client.ClientID, code.CodeChallengeMethod)
	p.auditor.LogTokenIssued(code.UserID, client.ClientID, code.Scope)

	return p.tokenResponse(pair, code.Scope), nil
}

// handleCodeReuse distinguishes "never existed / expired" from "already
// redeemed". Redemption of a used code revokes everything issued from it.
func (p *Provider) handleCodeReuse(ctx context.Context, code string) error {
	value, err := p.store.Get(ctx, storage.CodeUsedKey(code))
	if err != nil {
		return ErrInvalidGrant("invalid or expired authorization code")
	}
	var marker storage.CodeUsedMarker
	if err := storage.Decode(value, &marker); err != nil {
		return ErrInvalidGrant("invalid or expired authorization code")
	}

	p.logger.Warn("authorization code reuse detected",
		"client_id", marker.ClientID,
		"family_id", marker.FamilyID,
	)
	p.metrics.RecordCodeReuseDetected(ctx)
	p.auditor.LogEvent(security.Event{
		Type:     security.EventCodeReuseDetected,
		UserID:   marker.UserID,
		ClientID: marker.ClientID,
		Details:  map[string]any{"family_id": marker.FamilyID},
	})
	p.revokeFamily(ctx, marker.FamilyID, marker.UserID, marker.ClientID, "authorization_code_reuse")

	return ErrInvalidGrant("authorization code has already been redeemed")
}

func (p *Provider) exchangeRefresh(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("missing refresh_token")
	}

	value, err := p.store.Get(ctx, storage.RefreshTokenKey(req.RefreshToken))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, p.handleRefreshReuse(ctx, client, req.RefreshToken)
	}
	if err != nil {
		p.logger.Error("refresh token lookup failed", "error", err)
		return nil, ErrServerError("refresh token lookup failed")
	}

	var token storage.RefreshToken
	if err := storage.Decode(value, &token); err != nil {
		return nil, ErrServerError("corrupt refresh token record")
	}

	if token.ClientID != client.ClientID {
		return nil, ErrInvalidGrant("refresh token was issued to a different client")
	}
	if time.Now().After(token.ExpiresAt) {
		return nil, ErrInvalidGrant("refresh token expired")
	}

	// Rotate: retire the presented token and leave a marker so any later
	// presentation of it is recognized as reuse.
	if err := p.store.Delete(ctx, storage.RefreshTokenKey(req.RefreshToken)); err != nil {
		p.logger.Warn("failed to delete rotated refresh token", "error", err)
	}
	marker, err := storage.Encode(&storage.RotationMarker{FamilyID: token.FamilyID})
	if err == nil {
		opts := &storage.PutOptions{ExpirationTTL: ttlSeconds(p.config.RotationMarkerTTL)}
		if err := p.store.Put(ctx, storage.RotatedKey(req.RefreshToken), marker, opts); err != nil {
			p.logger.Warn("failed to persist rotation marker", "error", err)
		}
	}
	// Retire the paired access token alongside its refresh token.
	if token.AccessToken != "" {
		if err := p.store.Delete(ctx, storage.AccessTokenKey(token.AccessToken)); err != nil {
			p.logger.Warn("failed to delete superseded access token", "error", err)
		}
	}
	if err := p.store.Delete(ctx, storage.FamilyMemberKey(token.FamilyID, req.RefreshToken)); err != nil {
		p.logger.Warn("failed to delete family index entry", "error", err)
	}

	var upstream json.RawMessage
	if token.UpstreamContext != "" {
		plain, err := p.encryptor.Decrypt(token.UpstreamContext)
		if err != nil {
			return nil, ErrServerError("failed to decrypt upstream context")
		}
		upstream = plain
	}

	result, err := p.config.ExchangeToken(ctx, &ExchangeRequest{
		GrantType: GrantTypeRefreshToken,
		Context:   upstream,
	})
	if err != nil {
		return nil, ErrInvalidGrant("upstream token refresh failed: " + err.Error())
	}

	pair, err := p.issueTokenPair(ctx, client, token.UserID, token.Scope, token.FamilyID, token.Generation+1, result)
	if err != nil {
		return nil, err
	}

	p.metrics.RecordTokenRefresh(ctx, client.ClientID)
	p.auditor.LogTokenRefreshed(token.UserID, client.ClientID, token.Generation+1)

	return p.tokenResponse(pair, token.Scope), nil
}

// handleRefreshReuse distinguishes "never existed / expired" from "already
// rotated". Presentation of a rotated token means the token leaked, so the
// entire family is revoked.
func (p *Provider) handleRefreshReuse(ctx context.Context, client *storage.Client, refreshToken string) error {
	value, err := p.store.Get(ctx, storage.RotatedKey(refreshToken))
	if err != nil {
		return ErrInvalidGrant("invalid or expired refresh token")
	}
	var marker storage.RotationMarker
	if err := storage.Decode(value, &marker); err != nil {
		return ErrInvalidGrant("invalid or expired refresh token")
	}

	p.logger.Warn("refresh token reuse detected",
		"client_id", client.ClientID,
		"family_id", marker.FamilyID,
	)
	p.metrics.RecordRefreshReuseDetected(ctx)
	p.auditor.LogEvent(security.Event{
		Type:     security.EventRefreshReuseDetected,
		ClientID: client.ClientID,
		Details:  map[string]any{"family_id": marker.FamilyID},
	})
	p.revokeFamily(ctx, marker.FamilyID, "", client.ClientID, "refresh_token_reuse")

	return ErrInvalidGrant("refresh token has already been used; token family revoked")
}

type tokenPair struct {
	accessToken  string
	refreshToken string
	expiresIn    int64
}

// issueTokenPair mints an access/refresh token pair, persists both records
// plus the family and grant index entries, and returns the opaque tokens.
func (p *Provider) issueTokenPair(ctx context.Context, client *storage.Client, userID, scope, familyID string, generation int, result *ExchangeResult) (*tokenPair, error) {
	accessTTL := p.config.AccessTokenTTL
	if result != nil && result.AccessTokenTTL > 0 {
		accessTTL = result.AccessTokenTTL
	}

	var encrypted string
	if result != nil && len(result.Context) > 0 {
		enc, err := p.encryptor.Encrypt(result.Context)
		if err != nil {
			return nil, ErrServerError("failed to encrypt upstream context")
		}
		encrypted = enc
	}

	now := time.Now()
	accessToken := security.GenerateToken()
	refreshToken := security.GenerateToken()

	accessValue, err := storage.Encode(&storage.AccessToken{
		ClientID:        client.ClientID,
		UserID:          userID,
		Scope:           scope,
		UpstreamContext: encrypted,
		FamilyID:        familyID,
		ExpiresAt:       now.Add(accessTTL),
	})
	if err != nil {
		return nil, ErrServerError("failed to encode access token")
	}
	refreshValue, err := storage.Encode(&storage.RefreshToken{
		ClientID:        client.ClientID,
		UserID:          userID,
		Scope:           scope,
		UpstreamContext: encrypted,
		FamilyID:        familyID,
		AccessToken:     accessToken,
		Generation:      generation,
		ExpiresAt:       now.Add(p.config.RefreshTokenTTL),
	})
	if err != nil {
		return nil, ErrServerError("failed to encode refresh token")
	}
	memberValue, err := storage.Encode(&storage.FamilyMember{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, ErrServerError("failed to encode family index entry")
	}

	accessOpts := &storage.PutOptions{ExpirationTTL: ttlSeconds(accessTTL)}
	refreshOpts := &storage.PutOptions{ExpirationTTL: ttlSeconds(p.config.RefreshTokenTTL)}

	if err := p.store.Put(ctx, storage.AccessTokenKey(accessToken), accessValue, accessOpts); err != nil {
		p.logger.Error("failed to persist access token", "error", err)
		return nil, ErrServerError("failed to persist access token")
	}
	if err := p.store.Put(ctx, storage.RefreshTokenKey(refreshToken), refreshValue, refreshOpts); err != nil {
		p.logger.Error("failed to persist refresh token", "error", err)
		return nil, ErrServerError("failed to persist refresh token")
	}
	if err := p.store.Put(ctx, storage.FamilyMemberKey(familyID, refreshToken), memberValue, refreshOpts); err != nil {
		p.logger.Warn("failed to persist family index entry", "error", err)
	}
	if err := p.store.Put(ctx, storage.GrantKey(userID, client.ClientID, familyID), familyID, refreshOpts); err != nil {
		p.logger.Warn("failed to persist grant index entry", "error", err)
	}

	return &tokenPair{
		accessToken:  accessToken,
		refreshToken: refreshToken,
		expiresIn:    ttlSeconds(accessTTL),
	}, nil
}

// revokeFamily deletes every token pair issued under a family. Deletions are
// best effort: a failed delete is logged and the sweep continues.
func (p *Provider) revokeFamily(ctx context.Context, familyID, userID, clientID, reason string) {
	keys, err := p.store.List(ctx, &storage.ListOptions{Prefix: storage.FamilyPrefix(familyID)})
	if err != nil {
		p.logger.Error("failed to list token family", "family_id", familyID, "error", err)
		return
	}

	for _, key := range keys {
		value, err := p.store.Get(ctx, key.Name)
		if err == nil {
			var member storage.FamilyMember
			if err := storage.Decode(value, &member); err == nil {
				if err := p.store.Delete(ctx, storage.AccessTokenKey(member.AccessToken)); err != nil {
					p.logger.Warn("failed to delete access token", "error", err)
				}
				if err := p.store.Delete(ctx, storage.RefreshTokenKey(member.RefreshToken)); err != nil {
					p.logger.Warn("failed to delete refresh token", "error", err)
				}
				if err := p.store.Delete(ctx, storage.RotatedKey(member.RefreshToken)); err != nil {
					p.logger.Warn("failed to delete rotation marker", "error", err)
				}
			}
		}
		if err := p.store.Delete(ctx, key.Name); err != nil {
			p.logger.Warn("failed to delete family index entry", "error", err)
		}
	}

	p.logger.Info("token family revoked",
		"family_id", familyID,
		"client_id", clientID,
		"reason", reason,
		"members", len(keys),
	)
	p.auditor.LogFamilyRevoked(userID, clientID, familyID, reason)
}

func (p *Provider) tokenResponse(pair *tokenPair, scope string) *TokenResponse {
	return &TokenResponse{
		AccessToken:  pair.accessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    pair.expiresIn,
		RefreshToken: pair.refreshToken,
		Scope:        scope,
	}
}
