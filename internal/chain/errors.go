package chain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupported       = 4200
	CodeDisconnected      = 4900
	CodeUnrecognizedChain = 4902
)

var (
	ErrProviderUnavailable = errors.New("no wallet provider detected")
	ErrUserRejected        = errors.New("request rejected by user")
	ErrSwitchUnsupported   = errors.New("provider cannot switch chains")
	ErrNoAccounts          = errors.New("provider returned no accounts")
)

// ProviderError is an error reported by the wallet with an EIP-1193 code.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

func (e *ProviderError) ErrorCode() int { return e.Code }

func (e *ProviderError) Is(target error) bool {
	return target == ErrUserRejected && e.Code == CodeUserRejected
}

// ErrorCode extracts a provider error code from err, or 0.
func ErrorCode(err error) int {
	var coded rpc.Error
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return 0
}

// IsUserRejected reports whether the user dismissed the wallet prompt.
func IsUserRejected(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUserRejected) || ErrorCode(err) == CodeUserRejected
}
