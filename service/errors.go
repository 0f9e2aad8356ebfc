package service

import (
	"errors"
	"fmt"

	"github.com/zlnvch/cosketch/store"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	ErrProviderError     = errors.New("provider error")
	ErrTimeout           = errors.New("timeout")
	ErrStorageError      = errors.New("storage error")
	ErrInvalidInput      = errors.New("invalid input")
	ErrLayerBusy         = errors.New("layers busy")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrUnauthorized, "unauthorized"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrNotFound, "not_found"},
	{ErrProviderError, "provider_error"},
	{ErrTimeout, "timeout"},
	{ErrStorageError, "storage_error"},
	{ErrInvalidInput, "invalid_input"},
	{ErrLayerBusy, "layers_busy"},
}

// ErrorKind returns the stable code for err's class, or "internal".
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

// fromStore maps store sentinels onto the service taxonomy.
func fromStore(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrItemNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	return err
}
