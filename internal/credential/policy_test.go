package credential

import (
	"errors"
	"testing"

	"github.com/hitoshi/authbackend/internal/model"
)

func TestDefaultPasswordPolicy(t *testing.T) {
	p := DefaultPasswordPolicy{MinLength: 8}
	user := &model.User{Email: "alice@example.com"}

	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"ok", "s3cure-pass", false},
		{"too short", "short", true},
		{"contains email local part", "xxALICExx99", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.password, user)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, model.ErrValidation) {
				t.Errorf("error should wrap ErrValidation, got %v", err)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	valid := []string{"a@example.com", "first.last+tag@sub.example.org"}
	invalid := []string{"", "no-at-sign", "Name <a@example.com>", "a@"}

	for _, e := range valid {
		if err := ValidateEmail(e); err != nil {
			t.Errorf("ValidateEmail(%q) = %v, want nil", e, err)
		}
	}
	for _, e := range invalid {
		if err := ValidateEmail(e); err == nil {
			t.Errorf("ValidateEmail(%q) = nil, want error", e)
		}
	}
}
