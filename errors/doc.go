// Package errors provides structured error types for the execution agent.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: field path, WIT type name, trap code and cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLift, errors.KindInvalidEncoding).
//		Path("result[0]", "name").
//		WitType("string").
//		Detail("invalid UTF-8 sequence").
//		Build()
//
// Or use convenience constructors for the execution taxonomy:
//
//	err := errors.Trap(errors.TrapIntegerDivideByZero, "i32.div_s")
//	err := errors.CallStackExhausted(1025, 1024)
//
// Kind-only sentinels (ErrFuelExhausted, ErrTrap, ...) match any phase with errors.Is.
// Fuel exhaustion and cancellation are the only recoverable kinds, see IsRecoverable.
package errors
