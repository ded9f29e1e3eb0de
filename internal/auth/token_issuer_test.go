package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestIssuer(secret string, clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        "relaymail-auth",
		Audience:      "relaymail-api",
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := time.Unix(1750000000, 0).UTC()
	issuer := newTestIssuer("secret", func() time.Time { return now })

	token, expiresIn, err := issuer.IssueNamespaceToken("ns-public-id")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != 3600 {
		t.Fatalf("expected 3600s expiry, got %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if subject != "ns-public-id" {
		t.Fatalf("expected namespace subject, got %s", subject)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issued := time.Unix(1750000000, 0).UTC()
	issuer := newTestIssuer("secret", func() time.Time { return issued })

	token, _, err := issuer.IssueNamespaceToken("ns-public-id")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	later := newTestIssuer("secret", func() time.Time { return issued.Add(2 * time.Hour) })
	if _, err := later.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	now := time.Unix(1750000000, 0).UTC()
	issuer := newTestIssuer("secret", func() time.Time { return now })

	token, _, err := issuer.IssueNamespaceToken("ns-public-id")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	other := newTestIssuer("different", func() time.Time { return now })
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestIssueRequiresSecretAndSubject(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{})
	if _, _, err := issuer.IssueNamespaceToken("ns"); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}

	issuer = newTestIssuer("secret", nil)
	if _, _, err := issuer.IssueNamespaceToken(""); !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}
