package query

import "fmt"

// Fault names.
const (
	SyntaxError  = "SyntaxError"
	RuntimeError = "RuntimeError"
	TimeoutError = "TimeoutError"
)

// Fault is a structured engine error. Name is one of SyntaxError,
// RuntimeError or TimeoutError; Message is the engine's own text.
type Fault struct {
	Name    string
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Name, f.Message)
}

// IsTimeout reports whether the fault is a timeout.
func (f *Fault) IsTimeout() bool {
	return f.Name == TimeoutError
}
