package botai

import "errors"

var (
	// ErrNoHistory is returned when clearing a conversation that has
	// no stored turns
	ErrNoHistory = errors.New("no history")

	// ErrUnknownPersona is returned when a persona ID isn't loaded
	ErrUnknownPersona = errors.New("unknown persona")

	// ErrInvalidChoice is returned when a command option value doesn't
	// match any registered choice
	ErrInvalidChoice = errors.New("invalid choice")

	ErrMissingPermissions = errors.New("missing permissions")
	ErrNotOwner           = errors.New("not owner")

	// ErrNoGenerationResult is returned when a generator responds
	// without any usable content
	ErrNoGenerationResult = errors.New("no generation result")
)
