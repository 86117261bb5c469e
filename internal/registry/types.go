package registry

import (
	"strings"
	"unicode"

	"github.com/lexiqai/avatar-gateway/internal/fault"
)

// Avatar status values
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// AvatarConfig is one avatar persona and its backend bindings
type AvatarConfig struct {
	AvatarID     string `json:"avatar_id"`
	TTSModel     string `json:"tts_model"`
	AvatarModel  string `json:"avatar_model"`
	Timbre       string `json:"timbre,omitempty"`
	Description  string `json:"description,omitempty"`
	Clone        bool   `json:"clone"`
	SupportClone bool   `json:"support_clone"`
	Status       string `json:"status"`
}

// Normalize trims string fields and fills the default status
func (c AvatarConfig) Normalize() AvatarConfig {
	c.AvatarID = strings.TrimSpace(c.AvatarID)
	c.TTSModel = strings.TrimSpace(c.TTSModel)
	c.AvatarModel = strings.TrimSpace(c.AvatarModel)
	c.Timbre = strings.TrimSpace(c.Timbre)
	if c.Status == "" {
		c.Status = StatusInactive
	}
	return c
}

// Validate checks required fields. AvatarID also names media directories,
// so path separators and dot segments are rejected.
func (c AvatarConfig) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"avatar_id", c.AvatarID},
		{"tts_model", c.TTSModel},
		{"avatar_model", c.AvatarModel},
	}
	for _, r := range required {
		if r.value == "" {
			return fault.Newf(fault.KindValidation, "registry.validate", "%s is required", r.field).
				WithField(r.field).WithAvatar(c.AvatarID)
		}
	}

	if err := ValidateID(c.AvatarID); err != nil {
		return err
	}

	switch c.Status {
	case StatusActive, StatusInactive:
	default:
		return fault.Newf(fault.KindValidation, "registry.validate", "status must be %s or %s, got %q",
			StatusActive, StatusInactive, c.Status).WithField("status").WithAvatar(c.AvatarID)
	}

	return nil
}

// ValidateID rejects ids that are empty or unsafe as a path element
func ValidateID(id string) error {
	if id == "" {
		return fault.Newf(fault.KindValidation, "registry.validate", "avatar_id is required").WithField("avatar_id")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fault.Newf(fault.KindValidation, "registry.validate", "avatar_id %q is not a valid name", id).
			WithField("avatar_id")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fault.Newf(fault.KindValidation, "registry.validate", "avatar_id contains control characters").
				WithField("avatar_id")
		}
	}
	return nil
}
