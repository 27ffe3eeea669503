package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:   PhaseLift,
				Kind:    KindInvalidEncoding,
				Path:    []string{"result[0]", "name"},
				WitType: "string",
				Detail:  "bad bytes",
			},
			contains: []string{"[lift]", "invalid_encoding", "result[0].name", "string", "bad bytes"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseExecute,
				Kind:  KindFuelExhausted,
			},
			contains: []string{"[execute]", "fuel_exhausted"},
		},
		{
			name:     "trap",
			err:      Trap(TrapIntegerDivideByZero, "i32.div_u"),
			contains: []string{"[execute]", "trap", "integer divide by zero", "i32.div_u"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseMemory,
				Kind:   KindAllocation,
				Detail: "memory full",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[memory]", "allocation", "memory full", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				assert.Contains(t, msg, s)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(PhaseRegistry, KindMigration, cause, "snapshot")

	assert.ErrorIs(t, errors.Unwrap(err), cause)
}

func TestError_Is(t *testing.T) {
	err := &Error{Phase: PhaseExecute, Kind: KindTrap}

	assert.ErrorIs(t, err, &Error{Phase: PhaseExecute, Kind: KindTrap}, "same phase and kind")
	assert.NotErrorIs(t, err, &Error{Phase: PhaseLift, Kind: KindTrap}, "different phase")
	assert.ErrorIs(t, err, ErrTrap, "kind-only sentinel matches any phase")
	assert.NotErrorIs(t, err, ErrFuelExhausted, "different kind")
}

func TestHasKind_Wrapped(t *testing.T) {
	inner := FuelExhausted(5)
	outer := fmt.Errorf("call: %w", inner)

	assert.True(t, HasKind(outer, KindFuelExhausted), "HasKind sees through fmt wrapping")
	assert.Equal(t, KindFuelExhausted, KindOf(outer))
	assert.True(t, IsRecoverable(outer), "fuel exhaustion is recoverable")
	assert.False(t, IsRecoverable(Trap(TrapUnreachable, "")), "traps are not recoverable")
}

func TestTrapOf(t *testing.T) {
	err := fmt.Errorf("frame 3: %w", Trap(TrapOutOfBounds, "i32.load"))
	code, ok := TrapOf(err)
	require.True(t, ok)
	assert.Equal(t, TrapOutOfBounds, code)

	_, ok = TrapOf(FuelExhausted(1))
	assert.False(t, ok, "fuel exhaustion carries no trap code")
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ControlFlowViolation("return to %d, expected %d", 4, 7)))
	assert.False(t, IsFatal(CallStackExhausted(10, 9)), "call stack exhaustion is not a CFI failure")
}

func TestBuilder(t *testing.T) {
	err := New(PhaseLower, KindOverflow).
		Path("param[1]").
		WitType("u8").
		Value(300).
		Detail("value %d overflows %s", 300, "u8").
		Build()

	assert.Equal(t, PhaseLower, err.Phase)
	assert.Equal(t, KindOverflow, err.Kind)
	assert.Equal(t, 300, err.Value)
	assert.Contains(t, err.Error(), "value 300 overflows u8")
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err  *Error
		kind Kind
	}{
		{CallStackExhausted(2, 1), KindCallStackExhausted},
		{ResourceError(3, "already dropped"), KindResource},
		{InvalidToken(9, "already resumed"), KindInvalidToken},
		{Migration(1, "snapshot failed", nil), KindMigration},
		{InvalidUTF8(PhaseLift, nil, []byte{0xff}), KindInvalidEncoding},
		{InvalidDiscriminant(PhaseLift, nil, 4, 2), KindInvalidVariant},
		{OutOfBounds(PhaseMemory, nil, 10, 5), KindOutOfBounds},
		{LimitExceeded(PhaseLower, "string length", 10, 5), KindLimitExceeded},
		{NotFound(PhaseRegistry, "agent", 7), KindNotFound},
		{InvalidInput(PhaseConfig, "max_call_depth must be positive"), KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}
