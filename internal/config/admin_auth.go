package config

import "golang.org/x/crypto/bcrypt"

// CheckAdminCredential verifies a candidate against the configured admin
// credential, accepting either a plaintext match or a bcrypt hash,
// grounded on the teacher's internal/config/management.go
// CheckManagementKey.
func CheckAdminCredential(cfg *Config, candidate string) bool {
	if cfg == nil || candidate == "" {
		return false
	}
	if cfg.Auth.AdminCredential != "" && candidate == cfg.Auth.AdminCredential {
		return true
	}
	if cfg.Auth.AdminCredentialHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(cfg.Auth.AdminCredentialHash), []byte(candidate)); err == nil {
			return true
		}
	}
	return false
}

// AdminCredentialValidator returns a closure suitable for
// middleware.UnifiedAuth's CustomValidator field.
func AdminCredentialValidator(cfg *Config) func(string) bool {
	return func(candidate string) bool {
		return CheckAdminCredential(cfg, candidate)
	}
}
