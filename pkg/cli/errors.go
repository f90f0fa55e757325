package cli

import "fmt"

// ConfigError reports a configuration that could not be loaded or used.
type ConfigError struct {
	// Source is the config file or section at fault. Empty for built-in
	// defaults.
	Source  string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return "invalid configuration: " + e.Message
	}
	return fmt.Sprintf("invalid configuration (%s): %s", e.Source, e.Message)
}

// UsageError reports a bad command-line argument or flag.
type UsageError struct {
	Arg     string
	Message string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Arg, e.Message)
}

// CommandError wraps a failure while a command was running.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(source, message string) *ConfigError {
	return &ConfigError{Source: source, Message: message}
}

// NewUsageError creates a new UsageError.
func NewUsageError(arg, message string) *UsageError {
	return &UsageError{Arg: arg, Message: message}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{Command: command, Err: err}
}
