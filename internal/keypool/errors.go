package keypool

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAvailableKey matches every NoAvailableKeyError.
	ErrNoAvailableKey     = errors.New("no available provider credential")
	ErrCredentialNotFound = errors.New("provider credential not found")
	ErrInvalidResetType   = errors.New("invalid reset type")
)

type Reason string

const (
	// ReasonNoCredentials means the provider has no active credential under the error threshold.
	ReasonNoCredentials Reason = "no_credentials"
	// ReasonOverLimit means every eligible credential has reached a daily or monthly cap.
	ReasonOverLimit Reason = "over_limit"
)

type NoAvailableKeyError struct {
	ProviderID string
	Reason     Reason
}

func (e *NoAvailableKeyError) Error() string {
	switch e.Reason {
	case ReasonOverLimit:
		return fmt.Sprintf("provider %s: every credential has reached its usage limit", e.ProviderID)
	default:
		return fmt.Sprintf("provider %s has no available credential", e.ProviderID)
	}
}

func (e *NoAvailableKeyError) Is(target error) bool { return target == ErrNoAvailableKey }
