package audit

import "errors"

var (
	// ErrInvalidRegex indicates a rule pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates a pattern file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")

	// ErrInvalidRule indicates a rule is missing required fields.
	ErrInvalidRule = errors.New("invalid rule")
)
