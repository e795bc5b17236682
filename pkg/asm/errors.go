package asm

import "fmt"

// Failure is the single error kind raised whenever the input violates a
// declared contract (unknown directive, bad alignment, size disagreement,
// missing symbol, ratio exceeded, ...). The CLI boundary renders it as
// "Error: <message>" and exits 1; every other error propagates as a native
// Go error and is treated as a bug or environment failure.
type Failure struct {
	Message string
}

func (f *Failure) Error() string {
	return f.Message
}

// Failuref builds a *Failure with a formatted message.
func Failuref(format string, args ...interface{}) *Failure {
	return &Failure{Message: fmt.Sprintf(format, args...)}
}
