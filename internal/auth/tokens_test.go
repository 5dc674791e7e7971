package auth

import (
	"testing"
	"time"
)

func newTestTokenService() *TokenService {
	return NewTokenService(TokenServiceConfig{
		Secret: "test-secret",
		Expiry: time.Hour,
		Issuer: "inbound-smtpd-test",
	})
}

func TestGenerateAndValidateTokenRoundTrip(t *testing.T) {
	s := newTestTokenService()

	token, err := s.GenerateToken("op-123", "alice")
	if err != nil {
		t.Fatalf("GenerateToken returned error: %v", err)
	}

	claims, err := s.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken returned error: %v", err)
	}
	if claims.OperatorID() != "op-123" {
		t.Fatalf("expected operator id op-123, got %q", claims.OperatorID())
	}
	if claims.Username != "alice" {
		t.Fatalf("expected username alice, got %q", claims.Username)
	}
	if claims.Issuer != "inbound-smtpd-test" {
		t.Fatalf("expected issuer inbound-smtpd-test, got %q", claims.Issuer)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	s := NewTokenService(TokenServiceConfig{
		Secret: "test-secret",
		Expiry: -time.Hour,
		Issuer: "inbound-smtpd-test",
	})

	token, err := s.GenerateToken("op-123", "alice")
	if err != nil {
		t.Fatalf("GenerateToken returned error: %v", err)
	}

	if _, err := s.ValidateToken(token); err == nil {
		t.Fatal("expected an error validating an already-expired token")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	s := newTestTokenService()
	token, err := s.GenerateToken("op-123", "alice")
	if err != nil {
		t.Fatalf("GenerateToken returned error: %v", err)
	}

	other := NewTokenService(TokenServiceConfig{
		Secret: "different-secret",
		Expiry: time.Hour,
		Issuer: "inbound-smtpd-test",
	})
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatal("expected an error validating a token signed with a different secret")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	s := newTestTokenService()
	if _, err := s.ValidateToken("not-a-jwt"); err == nil {
		t.Fatal("expected an error validating a malformed token")
	}
}
