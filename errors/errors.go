package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLower    Phase = "lower"    // host values to core operands
	PhaseLift     Phase = "lift"     // core operands to host values
	PhaseExecute  Phase = "execute"  // dispatch loop
	PhaseResource Phase = "resource" // resource table transitions
	PhaseAsync    Phase = "async"    // suspension and resumption
	PhaseCFI      Phase = "cfi"      // control-flow integrity checks
	PhaseRegistry Phase = "registry" // agent creation and migration
	PhaseConfig   Phase = "config"   // configuration loading and validation
	PhaseMemory   Phase = "memory"   // linear memory providers
	PhaseLoad     Phase = "load"     // module instantiation
)

// Kind categorizes the error
type Kind string

const (
	KindCallStackExhausted   Kind = "call_stack_exhausted"
	KindFuelExhausted        Kind = "fuel_exhausted"
	KindTrap                 Kind = "trap"
	KindControlFlowViolation Kind = "control_flow_violation"
	KindResource             Kind = "resource_error"
	KindInvalidEncoding      Kind = "invalid_encoding"
	KindInvalidToken         Kind = "invalid_token"
	KindMigration            Kind = "migration_error"
	KindTypeMismatch         Kind = "type_mismatch"
	KindOutOfBounds          Kind = "out_of_bounds"
	KindOverflow             Kind = "overflow"
	KindAllocation           Kind = "allocation"
	KindInvalidVariant       Kind = "invalid_variant"
	KindLimitExceeded        Kind = "limit_exceeded"
	KindInvalidInput         Kind = "invalid_input"
	KindNotFound             Kind = "not_found"
	KindBusy                 Kind = "busy"
	KindCancelled            Kind = "cancelled"
	KindAbnormalUnwind       Kind = "abnormal_unwind"
	KindUnsupported          Kind = "unsupported"
	KindClosed               Kind = "closed"
)

// TrapCode identifies the program-level fault behind a KindTrap error.
type TrapCode string

const (
	TrapUnreachable         TrapCode = "unreachable executed"
	TrapIntegerDivideByZero TrapCode = "integer divide by zero"
	TrapIntegerOverflow     TrapCode = "integer overflow"
	TrapOutOfBounds         TrapCode = "out of bounds memory access"
	TrapInvalidHandle       TrapCode = "invalid resource handle"
	TrapStackUnderflow      TrapCode = "operand stack underflow"
	TrapStackOverflow       TrapCode = "operand stack overflow"
	TrapUndefinedFunction   TrapCode = "undefined function"
	TrapHostFailure         TrapCode = "host function failed"
	TrapIndirectCallType    TrapCode = "indirect call type mismatch"
)

// Error is the structured error type used throughout the agent
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	Trap    TrapCode
	WitType string
	Detail  string
	Path    []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Trap != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Trap))
		b.WriteByte(')')
	}

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.WitType != "" {
		b.WriteString(": WIT type ")
		b.WriteString(e.WitType)
	}

	if e.Detail != "" {
		if e.WitType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target without a phase
// matches on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// WitType sets the WIT type name
func (b *Builder) WitType(t string) *Builder {
	b.err.WitType = t
	return b
}

// Trap sets the trap code
func (b *Builder) Trap(code TrapCode) *Builder {
	b.err.Trap = code
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is checks that only care about the kind.
var (
	ErrCallStackExhausted   = &Error{Kind: KindCallStackExhausted}
	ErrFuelExhausted        = &Error{Kind: KindFuelExhausted}
	ErrTrap                 = &Error{Kind: KindTrap}
	ErrControlFlowViolation = &Error{Kind: KindControlFlowViolation}
	ErrResource             = &Error{Kind: KindResource}
	ErrInvalidEncoding      = &Error{Kind: KindInvalidEncoding}
	ErrInvalidToken         = &Error{Kind: KindInvalidToken}
	ErrMigration            = &Error{Kind: KindMigration}
)

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// HasKind reports whether any *Error in err's chain has the given kind.
func HasKind(err error, kind Kind) bool {
	return stderrors.Is(err, &Error{Kind: kind})
}

// TrapOf returns the trap code carried by err, if any.
func TrapOf(err error) (TrapCode, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindTrap {
			return e.Trap, true
		}
		err = stderrors.Unwrap(err)
	}
	return "", false
}

// IsRecoverable reports whether a caller may retry after adjusting
// configuration. Only fuel exhaustion and explicit cancellation qualify.
func IsRecoverable(err error) bool {
	return HasKind(err, KindFuelExhausted) || HasKind(err, KindCancelled)
}

// IsFatal reports whether err must terminate the agent's current call chain
// without any retry.
func IsFatal(err error) bool {
	return HasKind(err, KindControlFlowViolation)
}

// Convenience constructors for the execution taxonomy

// CallStackExhausted creates a call depth error
func CallStackExhausted(depth, limit int) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindCallStackExhausted,
		Detail: fmt.Sprintf("call depth %d exceeds limit %d", depth, limit),
		Value:  depth,
	}
}

// FuelExhausted creates a fuel exhaustion error
func FuelExhausted(executed uint64) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindFuelExhausted,
		Detail: fmt.Sprintf("fuel exhausted after %d instructions", executed),
		Value:  executed,
	}
}

// Trap creates a program-level fault
func Trap(code TrapCode, detail string, args ...any) *Error {
	e := &Error{
		Phase: PhaseExecute,
		Kind:  KindTrap,
		Trap:  code,
	}
	if len(args) > 0 {
		e.Detail = fmt.Sprintf(detail, args...)
	} else {
		e.Detail = detail
	}
	return e
}

// ControlFlowViolation creates a CFI mismatch error
func ControlFlowViolation(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseCFI,
		Kind:   KindControlFlowViolation,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// ResourceError creates an invalid handle state transition error
func ResourceError(handle uint32, detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseResource,
		Kind:   KindResource,
		Detail: fmt.Sprintf("handle %d: %s", handle, fmt.Sprintf(detail, args...)),
		Value:  handle,
	}
}

// InvalidEncoding creates a malformed canonical value error
func InvalidEncoding(phase Phase, path []string, detail string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidEncoding,
		Path:   path,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// InvalidUTF8 creates an invalid UTF-8 error
func InvalidUTF8(phase Phase, path []string, data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidEncoding,
		Path:   path,
		Detail: fmt.Sprintf("invalid UTF-8 sequence: %x", preview),
	}
}

// InvalidToken creates an async token error
func InvalidToken(token uint64, reason string) *Error {
	return &Error{
		Phase:  PhaseAsync,
		Kind:   KindInvalidToken,
		Detail: fmt.Sprintf("token %d: %s", token, reason),
		Value:  token,
	}
}

// Migration creates a migration failure error
func Migration(agentID uint32, detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseRegistry,
		Kind:   KindMigration,
		Detail: fmt.Sprintf("agent %d: %s", agentID, detail),
		Cause:  cause,
		Value:  agentID,
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, got, witType string) *Error {
	return &Error{
		Phase:   phase,
		Kind:    KindTypeMismatch,
		Path:    path,
		WitType: witType,
		Detail:  fmt.Sprintf("got %s", got),
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
	}
}

// InvalidDiscriminant creates an invalid discriminant error for variants/enums
func InvalidDiscriminant(phase Phase, path []string, disc uint32, maxValid uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidVariant,
		Path:   path,
		Detail: fmt.Sprintf("discriminant %d out of range (max %d)", disc, maxValid),
		Value:  disc,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// LimitExceeded creates a configured-bound error
func LimitExceeded(phase Phase, what string, got, limit uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindLimitExceeded,
		Detail: fmt.Sprintf("%s %d exceeds limit %d", what, got, limit),
		Value:  got,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what string, id any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %v not found", what, id),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
