package async

import (
	"sort"
	"sync"
	"time"

	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/resource"
	"go.uber.org/zap"
)

// DefaultCapacity bounds concurrently suspended executions.
const DefaultCapacity = 64

// Token identifies a suspended execution.
type Token uint64

// HostCall describes the host function an execution is waiting on.
type HostCall struct {
	Name     string
	Args     []uint64
	Instance uint32
	Index    uint32
}

// HostResult completes a pending host call. Cancelled behaves like Cancel.
type HostResult struct {
	Err       error
	Values    []uint64
	Cancelled bool
}

// Continuation is a suspended execution. S is the caller's frame snapshot.
type Continuation[S any] struct {
	Snapshot    S
	Created     time.Time
	Pending     HostCall
	Borrowed    []resource.Handle
	Token       Token
	ExecutionID uint64
}

// Table stores continuations keyed by token.
type Table[S any] struct {
	resources *resource.Table
	entries   map[Token]*Continuation[S]
	mu        sync.Mutex
	next      Token
	capacity  int
}

// NewTable creates a table that releases borrows through resources.
// A capacity of zero selects DefaultCapacity.
func NewTable[S any](resources *resource.Table, capacity int) *Table[S] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table[S]{
		resources: resources,
		entries:   make(map[Token]*Continuation[S]),
		next:      1,
		capacity:  capacity,
	}
}

// Suspend records a continuation and returns its token. Nothing is stored
// when the table is full.
func (t *Table[S]) Suspend(executionID uint64, snapshot S, pending HostCall, borrowed []resource.Handle) (Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.capacity {
		return 0, errors.LimitExceeded(errors.PhaseAsync, "suspended executions", uint64(len(t.entries)+1), uint64(t.capacity))
	}

	tok := t.next
	t.next++

	held := make([]resource.Handle, len(borrowed))
	copy(held, borrowed)

	t.entries[tok] = &Continuation[S]{
		Snapshot:    snapshot,
		Created:     time.Now(),
		Pending:     pending,
		Borrowed:    held,
		Token:       tok,
		ExecutionID: executionID,
	}

	Logger().Debug("execution suspended",
		zap.Uint64("token", uint64(tok)),
		zap.Uint64("execution", executionID),
		zap.String("host", pending.Name),
		zap.Int("borrows", len(held)))
	return tok, nil
}

// take removes and returns the continuation for tok. Caller holds mu.
func (t *Table[S]) take(tok Token) (*Continuation[S], error) {
	c, ok := t.entries[tok]
	if !ok {
		if tok != 0 && tok < t.next {
			return nil, errors.InvalidToken(uint64(tok), "already resumed or cancelled")
		}
		return nil, errors.InvalidToken(uint64(tok), "unknown token")
	}
	delete(t.entries, tok)
	return c, nil
}

// Resume consumes tok and returns its continuation for the caller to run.
// A cancelled result releases the borrows instead and returns their count
// with a cancelled error.
func (t *Table[S]) Resume(tok Token, result HostResult) (*Continuation[S], int, error) {
	t.mu.Lock()
	c, err := t.take(tok)
	t.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}

	if result.Cancelled {
		released := t.release(c)
		return nil, released, errors.New(errors.PhaseAsync, errors.KindCancelled).
			Value(uint64(tok)).
			Detail("execution %d cancelled by host result, %d borrows released", c.ExecutionID, released).
			Build()
	}

	Logger().Debug("execution resumed",
		zap.Uint64("token", uint64(tok)),
		zap.Uint64("execution", c.ExecutionID))
	return c, 0, nil
}

// Cancel consumes tok, releasing the borrows recorded at suspension. It
// returns the number of borrows released.
func (t *Table[S]) Cancel(tok Token) (int, error) {
	t.mu.Lock()
	c, err := t.take(tok)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return t.release(c), nil
}

func (t *Table[S]) release(c *Continuation[S]) int {
	released := 0
	if t.resources != nil {
		released = t.resources.ReleaseBorrows(c.Borrowed)
	}
	Logger().Debug("execution cancelled",
		zap.Uint64("token", uint64(c.Token)),
		zap.Uint64("execution", c.ExecutionID),
		zap.Int("released", released))
	return released
}

// Peek returns the continuation for tok without consuming it.
func (t *Table[S]) Peek(tok Token) (*Continuation[S], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[tok]
	return c, ok
}

// Len returns the number of suspended executions.
func (t *Table[S]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Capacity returns the maximum number of suspended executions.
func (t *Table[S]) Capacity() int { return t.capacity }

// Pending returns outstanding tokens in issue order.
func (t *Table[S]) Pending() []Token {
	t.mu.Lock()
	out := make([]Token, 0, len(t.entries))
	for tok := range t.entries {
		out = append(out, tok)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close cancels every outstanding continuation and returns the total number
// of borrows released.
func (t *Table[S]) Close() int {
	t.mu.Lock()
	conts := make([]*Continuation[S], 0, len(t.entries))
	for tok, c := range t.entries {
		conts = append(conts, c)
		delete(t.entries, tok)
	}
	t.mu.Unlock()

	released := 0
	for _, c := range conts {
		released += t.release(c)
	}
	return released
}
