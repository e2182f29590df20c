package repositories

import "errors"

// Common repository errors
var (
	ErrNotFound          = errors.New("record not found")
	ErrCredentialMissing = errors.New("credential record absent or malformed")
)
