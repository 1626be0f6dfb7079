package cli

import (
	"errors"

	"rollgate/internal/lock"
	"rollgate/internal/repository"
	v1 "rollgate/pkg/api/v1"
)

// fail reports err through f and turns it into a command error.
func fail(f *OutputFormatter, err error) error {
	code := ErrCodeGeneric
	var details any

	var ve *v1.ValidationError
	switch {
	case errors.As(err, &ve):
		code, details = ErrCodeValidation, ve.Issues
	case errors.Is(err, repository.ErrNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, lock.ErrLocked):
		code = ErrCodeLocked
	}
	_ = f.Error(code, err.Error(), details)
	return WrapExitError(ExitCommandError, "command failed", err)
}
