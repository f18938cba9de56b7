// Package profile persists the signed-in user's identity and mail transport
// settings. The SMTP password is encrypted at rest.
package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/viarom/furnivia/internal/secret"
	"github.com/viarom/furnivia/internal/store"
)

const (
	// StoreName is the store file holding the profile.
	StoreName = "user-data"
	// Key is the store key of the profile.
	Key = "userData"
)

// Profile is the identity used to sign outgoing offer-request emails.
// JSON keys match what the UI sends.
type Profile struct {
	Email      string `json:"email" validate:"required,email"`
	SMTPServer string `json:"smtp_server,omitempty" validate:"omitempty,hostname_rfc1123|ip"`
	SMTPPort   string `json:"smtp_port,omitempty" validate:"omitempty,numeric"`
	SMTPUser   string `json:"smtp_user,omitempty"`
	SMTPPass   string `json:"smtp_pass,omitempty"`
	Name       string `json:"nume,omitempty"`
	Role       string `json:"post,omitempty"`
	Mobile     string `json:"mobil,omitempty"`
	Landline   string `json:"telefon_fix,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks the fields the shell relies on.
func (p Profile) Validate() error {
	validateOnce.Do(func() { validate = validator.New() })
	p.Email = strings.TrimSpace(p.Email)
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid profile: field %s failed %q", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return fmt.Errorf("invalid profile: %w", err)
	}
	return nil
}

// Repository stores profiles with the SMTP password encrypted.
type Repository struct {
	st     *store.Store
	cipher *secret.Cipher
}

// NewRepository wraps st; c encrypts the SMTP password.
func NewRepository(st *store.Store, c *secret.Cipher) *Repository {
	return &Repository{st: st, cipher: c}
}

// Get returns the stored profile, or nil when nobody is signed in.
// A password that cannot be decrypted is dropped rather than failing the read.
func (r *Repository) Get() (*Profile, error) {
	var p Profile
	ok, err := r.st.GetInto(Key, &p)
	if err != nil {
		slog.Error("decode user profile", "error", err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	if p.SMTPPass != "" {
		plain, err := r.cipher.Reveal(p.SMTPPass)
		if err != nil {
			slog.Warn("smtp password unreadable, treating as absent", "error", err)
			plain = ""
		}
		p.SMTPPass = plain
	}
	return &p, nil
}

// Set validates p and stores it, replacing any previous profile.
func (r *Repository) Set(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.Email = strings.TrimSpace(p.Email)
	if p.SMTPPass != "" {
		enc, err := r.cipher.Encrypt(p.SMTPPass)
		if err != nil {
			return fmt.Errorf("encrypt smtp password: %w", err)
		}
		p.SMTPPass = enc
	}
	return r.st.Set(Key, p)
}

// Clear removes the stored profile (logout).
func (r *Repository) Clear() { r.st.Delete(Key) }
