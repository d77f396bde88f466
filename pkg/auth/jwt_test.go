package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer  abc ", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractToken(tt.header)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractToken(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ExtractToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestJWTAuth_RoundTrip(t *testing.T) {
	a, err := NewJWTAuth("secret", time.Minute)
	if err != nil {
		t.Fatalf("NewJWTAuth failed: %v", err)
	}

	token, err := a.GenerateToken("user-1", "user")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	user, err := a.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if user.ID != "user-1" || user.Role != "user" {
		t.Errorf("Unexpected user: %+v", user)
	}
}

func TestJWTAuth_RejectsWrongSecret(t *testing.T) {
	a, _ := NewJWTAuth("secret", time.Minute)
	other, _ := NewJWTAuth("other", time.Minute)

	token, _ := other.GenerateToken("user-1", "user")
	if _, err := a.VerifyAccessToken(token); err == nil {
		t.Error("Expected token signed with another secret to be rejected")
	}
}

func TestJWTAuth_RejectsExpired(t *testing.T) {
	a, _ := NewJWTAuth("secret", -time.Minute)
	token, _ := a.GenerateToken("user-1", "user")
	if _, err := a.VerifyAccessToken(token); err == nil {
		t.Error("Expected expired token to be rejected")
	}
}

func TestJWTAuth_RejectsNoneAlgorithm(t *testing.T) {
	a, _ := NewJWTAuth("secret", time.Minute)
	claims := JWTClaims{UserID: "user-1", RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("Failed to build unsigned token: %v", err)
	}
	if _, err := a.VerifyAccessToken(token); err == nil {
		t.Error("Expected unsigned token to be rejected")
	}
}

func TestNewJWTAuth_RequiresSecret(t *testing.T) {
	if _, err := NewJWTAuth("", 0); err == nil {
		t.Error("Expected error for empty secret")
	}
}
