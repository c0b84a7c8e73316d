package flags

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("flag not found")
	ErrInvalidKey = errors.New("invalid flag key")
)

// Flag is one boolean switch.
type Flag struct {
	Key       string    `json:"key"`
	Value     bool      `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	vendorPrefix = "vendor."
	vendorSuffix = ".enabled"
)

var keyRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// VendorKey is the flag that switches a vendor on or off.
func VendorKey(vendor string) string {
	return vendorPrefix + vendor + vendorSuffix
}

// ParseVendorKey is the inverse of VendorKey.
func ParseVendorKey(key string) (string, bool) {
	if !strings.HasPrefix(key, vendorPrefix) || !strings.HasSuffix(key, vendorSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(key, vendorPrefix), vendorSuffix)
	return name, name != ""
}
