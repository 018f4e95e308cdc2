package schema

import "fmt"

// UnknownDirectiveError reports a _preprocess_<action> key whose action is
// not in the registry.
type UnknownDirectiveError struct {
	Action string
}

func (e *UnknownDirectiveError) Error() string {
	return fmt.Sprintf("unknown preprocess directive %q", e.Action)
}

// UnknownConfigKeyError reports a settings_val directive naming a setting
// that is not defined.
type UnknownConfigKeyError struct {
	Name string
}

func (e *UnknownConfigKeyError) Error() string {
	return fmt.Sprintf("setting %q is not defined", e.Name)
}
