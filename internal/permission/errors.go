package permission

import "errors"

var (
	// ErrIncompatibleMerge signals an attempt to merge items with different
	// scope or identifier. Reaching it indicates a programming error; the
	// builder only merges items sharing a key.
	ErrIncompatibleMerge = errors.New("permission: incompatible item merge")

	// ErrMissingScopeEntry signals that an account has no item in either the
	// group or the group-type scope. Every account is expected to carry at
	// least a group-type entry, so this surfaces misconfigured audiences
	// instead of silently denying access.
	ErrMissingScopeEntry = errors.New("permission: no item in either scope")

	// ErrUnknownContext signals that a calculator declared a persistent cache
	// context the resolver cannot serve. Detected at wiring time.
	ErrUnknownContext = errors.New("permission: unknown cache context")
)
