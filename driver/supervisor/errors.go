package supervisor

import "fmt"

// ErrorTitle is the title of every startup error.
const ErrorTitle = "Failed to initialize TDriver"

// Error is a user-facing startup failure. Extra holds diagnostic output, if any.
type Error struct {
	Title   string
	Message string
	Extra   string
}

func (e *Error) Error() string {
	if e.Extra == "" {
		return fmt.Sprintf("%s: %s", e.Title, e.Message)
	}
	return fmt.Sprintf("%s: %s\n%s", e.Title, e.Message, e.Extra)
}

func newError(extra string, format string, args ...any) *Error {
	return &Error{Title: ErrorTitle, Message: fmt.Sprintf(format, args...), Extra: extra}
}
