package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/aurelian-labs/oauthproxy/internal/util"
	"github.com/aurelian-labs/oauthproxy/security"
	"github.com/aurelian-labs/oauthproxy/storage"
)

// ConsentManager persists per-user, per-client consent records. A recorded
// consent lets repeat authorization requests skip the consent page when the
// requested scopes are already covered.
type ConsentManager struct {
	provider *Provider
}

// Record stores consent for the given scopes, merging with any scopes the
// user approved earlier for the same client.
func (m *ConsentManager) Record(ctx context.Context, userID, clientID string, scopes []string) error {
	existing, err := m.Get(ctx, userID, clientID)
	if err != nil {
		return err
	}
	consent := &storage.Consent{
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    scopes,
		GrantedAt: time.Now(),
	}
	if existing != nil {
		consent.Scopes = util.Merge(existing.Scopes, scopes)
	}

	value, err := storage.Encode(consent)
	if err != nil {
		return err
	}
	return m.provider.store.Put(ctx, storage.ConsentKey(userID, clientID), value, nil)
}

// Get returns the recorded consent, or nil when the user has not consented
// to this client.
func (m *ConsentManager) Get(ctx context.Context, userID, clientID string) (*storage.Consent, error) {
	value, err := m.provider.store.Get(ctx, storage.ConsentKey(userID, clientID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var consent storage.Consent
	if err := storage.Decode(value, &consent); err != nil {
		return nil, err
	}
	return &consent, nil
}

// Covers reports whether the recorded consent already includes every
// requested scope.
func (m *ConsentManager) Covers(consent *storage.Consent, requestedScopes []string) bool {
	if consent == nil {
		return false
	}
	return util.Subset(requestedScopes, consent.Scopes)
}

// List returns every consent the user has granted, ordered by client ID.
func (m *ConsentManager) List(ctx context.Context, userID string) ([]*storage.Consent, error) {
	keys, err := m.provider.store.List(ctx, &storage.ListOptions{Prefix: storage.ConsentPrefix(userID)})
	if err != nil {
		return nil, err
	}
	consents := make([]*storage.Consent, 0, len(keys))
	for _, key := range keys {
		value, err := m.provider.store.Get(ctx, key.Name)
		if errors.Is(err, storage.ErrNotFound) {
			continue // expired between List and Get
		}
		if err != nil {
			return nil, err
		}
		var consent storage.Consent
		if err := storage.Decode(value, &consent); err != nil {
			return nil, err
		}
		consents = append(consents, &consent)
	}
	return consents, nil
}

// Revoke deletes the consent record only. Use Provider.RevokeConsent to also
// cascade to the tokens issued under it.
func (m *ConsentManager) Revoke(ctx context.Context, userID, clientID string) error {
	return m.provider.store.Delete(ctx, storage.ConsentKey(userID, clientID))
}

// RevokeConsent removes a user's consent for a client and revokes every
// token family issued under that grant.
func (p *Provider) RevokeConsent(ctx context.Context, userID, clientID string) error {
	if err := p.consents.Revoke(ctx, userID, clientID); err != nil {
		return ErrServerError("failed to delete consent")
	}

	grantKeys, err := p.store.List(ctx, &storage.ListOptions{Prefix: storage.GrantPrefix(userID, clientID)})
	if err != nil {
		return ErrServerError("failed to list grant families")
	}
	for _, key := range grantKeys {
		familyID := key.Name[len(storage.GrantPrefix(userID, clientID)):]
		p.revokeFamily(ctx, familyID, userID, clientID, "consent_revoked")
		if err := p.store.Delete(ctx, key.Name); err != nil {
			p.logger.Warn("failed to delete grant index key", "key", key.Name, "error", err)
		}
	}

	p.auditor.LogEvent(security.Event{
		Type:     security.EventConsentRevoked,
		UserID:   userID,
		ClientID: clientID,
	})
	return nil
}
