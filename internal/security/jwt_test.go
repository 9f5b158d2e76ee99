package security_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Rrens/llm-chat-relay/internal/security"
)

const secret = "test-secret-key-with-32-chars!!"

func TestJWTManager_GenerateAndValidate(t *testing.T) {
	manager := security.NewJWTManager(secret, "llm-chat-relay", 15*time.Minute)

	token, err := manager.GenerateAccessToken("user-42", "Ada")
	if err != nil {
		t.Fatalf("failed to generate access token: %v", err)
	}

	claims, err := manager.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("failed to validate access token: %v", err)
	}

	if claims.Owner() != "user-42" {
		t.Errorf("owner mismatch: got %q, want %q", claims.Owner(), "user-42")
	}
	if claims.Name != "Ada" {
		t.Errorf("name mismatch: got %q", claims.Name)
	}
}

func TestJWTManager_RequiresOwner(t *testing.T) {
	manager := security.NewJWTManager(secret, "", time.Minute)

	if _, err := manager.GenerateAccessToken("", ""); err == nil {
		t.Error("expected error for empty owner")
	}
}

func TestJWTManager_InvalidToken(t *testing.T) {
	manager := security.NewJWTManager(secret, "llm-chat-relay", 15*time.Minute)

	_, err := manager.ValidateAccessToken("invalid-token")
	if err == nil {
		t.Error("expected error for invalid token")
	}
}

func TestJWTManager_WrongSecret(t *testing.T) {
	manager1 := security.NewJWTManager("secret-key-1-with-32-characters!", "llm-chat-relay", 15*time.Minute)
	manager2 := security.NewJWTManager("secret-key-2-with-32-characters!", "llm-chat-relay", 15*time.Minute)

	token, _ := manager1.GenerateAccessToken("user-42", "")

	_, err := manager2.ValidateAccessToken(token)
	if err == nil {
		t.Error("expected error when validating with wrong secret")
	}
}

func TestJWTManager_ExpiredToken(t *testing.T) {
	manager := security.NewJWTManager(secret, "llm-chat-relay", -time.Minute)

	token, _ := manager.GenerateAccessToken("user-42", "")

	_, err := manager.ValidateAccessToken(token)
	if err == nil {
		t.Error("expected error for expired token")
	}
}

func TestJWTManager_WrongIssuer(t *testing.T) {
	other := security.NewJWTManager(secret, "someone-else", time.Minute)
	manager := security.NewJWTManager(secret, "llm-chat-relay", time.Minute)

	token, _ := other.GenerateAccessToken("user-42", "")

	if _, err := manager.ValidateAccessToken(token); err == nil {
		t.Error("expected error for foreign issuer")
	}
}

func TestJWTManager_RejectsMissingSubject(t *testing.T) {
	manager := security.NewJWTManager(secret, "", time.Minute)

	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	token, err := raw.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if _, err := manager.ValidateAccessToken(token); err == nil {
		t.Error("expected error for token without subject")
	}
}
