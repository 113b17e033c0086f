package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
)

func newFernetTestValidator(t *testing.T, ttl time.Duration) *FernetValidator {
	t.Helper()
	var k fernet.Key
	if err := k.Generate(); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v, err := NewFernetValidator(k.Encode(), ttl)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

func TestFernetMintAndValidate(t *testing.T) {
	v := newFernetTestValidator(t, time.Hour)

	token, err := v.Mint("operator")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	id, err := v.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id.Subject != "operator" {
		t.Errorf("expected subject operator, got %q", id.Subject)
	}
}

func TestFernetRejectsGarbage(t *testing.T) {
	v := newFernetTestValidator(t, time.Hour)
	for _, tok := range []string{"", "garbage", "gAAAAABnot-a-token"} {
		if _, err := v.Validate(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken for %q, got %v", tok, err)
		}
	}
}

func TestFernetRejectsForeignKey(t *testing.T) {
	v1 := newFernetTestValidator(t, time.Hour)
	v2 := newFernetTestValidator(t, time.Hour)

	token, err := v1.Mint("operator")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := v2.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected rejection under a different key, got %v", err)
	}
}

func TestNewFernetValidatorBadKey(t *testing.T) {
	if _, err := NewFernetValidator("not-a-key", time.Hour); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestStaticValidator(t *testing.T) {
	v := StaticValidator{Secret: "sekret"}

	if _, err := v.Validate("sekret"); err != nil {
		t.Errorf("expected match to validate: %v", err)
	}
	if _, err := v.Validate("wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := v.Validate(""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty token must not validate, got %v", err)
	}
}

func TestAllowAll(t *testing.T) {
	id, err := AllowAll{}.Validate("")
	if err != nil {
		t.Fatalf("allow-all rejected: %v", err)
	}
	if id.Subject == "" {
		t.Errorf("expected a placeholder subject")
	}
}
