package async

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wippyai/wasm-agent/errors"
	"github.com/wippyai/wasm-agent/resource"
)

type frames struct {
	depth int
}

func TestSuspendResume(t *testing.T) {
	table := NewTable[frames](resource.NewTable(), 0)

	tok, err := table.Suspend(1, frames{depth: 3}, HostCall{Name: "fetch", Args: []uint64{7}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())

	c, _, err := table.Resume(tok, HostResult{Values: []uint64{42}})
	require.NoError(t, err)
	assert.Equal(t, 3, c.Snapshot.depth)
	assert.Equal(t, "fetch", c.Pending.Name)
	assert.Equal(t, uint64(1), c.ExecutionID)
	assert.Equal(t, 0, table.Len())
}

func TestTokenSingleUse(t *testing.T) {
	table := NewTable[frames](resource.NewTable(), 0)

	tok, err := table.Suspend(1, frames{}, HostCall{}, nil)
	require.NoError(t, err)
	_, _, err = table.Resume(tok, HostResult{})
	require.NoError(t, err)

	_, _, err = table.Resume(tok, HostResult{})
	assert.True(t, errors.HasKind(err, errors.KindInvalidToken), "second resume: %v", err)

	_, err = table.Cancel(tok)
	assert.True(t, errors.HasKind(err, errors.KindInvalidToken), "cancel after resume: %v", err)

	_, _, err = table.Resume(Token(999), HostResult{})
	assert.True(t, errors.HasKind(err, errors.KindInvalidToken))
}

func TestResumeAfterCancel(t *testing.T) {
	table := NewTable[frames](resource.NewTable(), 0)

	tok, _ := table.Suspend(1, frames{}, HostCall{}, nil)
	_, err := table.Cancel(tok)
	require.NoError(t, err)

	_, _, err = table.Resume(tok, HostResult{})
	assert.True(t, errors.HasKind(err, errors.KindInvalidToken))
}

func TestTokensNeverReused(t *testing.T) {
	table := NewTable[frames](resource.NewTable(), 0)

	seen := map[Token]bool{}
	for i := 0; i < 10; i++ {
		tok, err := table.Suspend(uint64(i), frames{}, HostCall{}, nil)
		require.NoError(t, err)
		require.False(t, seen[tok], "token %d reused", tok)
		seen[tok] = true
		_, err = table.Cancel(tok)
		require.NoError(t, err)
	}
}

func TestCancelReleasesExactlyBorrowed(t *testing.T) {
	res := resource.NewTable()
	table := NewTable[frames](res, 0)

	h, _ := res.Allocate(1, "file")
	other, _ := res.Allocate(1, "socket")
	b1, _ := res.Borrow(h, 2, 10)
	b2, _ := res.Borrow(other, 2, 11)
	unrelated, _ := res.Borrow(other, 3, 12)

	before := res.BorrowCount()
	tok, err := table.Suspend(1, frames{}, HostCall{}, []resource.Handle{b1, b2})
	require.NoError(t, err)

	released, err := table.Cancel(tok)
	require.NoError(t, err)
	assert.Equal(t, 2, released)
	assert.Equal(t, before-2, res.BorrowCount())
	assert.Equal(t, resource.StateDropped, res.State(b1))
	assert.Equal(t, resource.StateDropped, res.State(b2))
	assert.Equal(t, resource.StateBorrowed, res.State(unrelated))
	assert.Equal(t, 2, res.LiveCount())
}

func TestResumeCancelled(t *testing.T) {
	res := resource.NewTable()
	table := NewTable[frames](res, 0)

	h, _ := res.Allocate(1, "x")
	b, _ := res.Borrow(h, 2, 1)
	tok, _ := table.Suspend(1, frames{}, HostCall{}, []resource.Handle{b})

	c, released, err := table.Resume(tok, HostResult{Cancelled: true})
	assert.True(t, errors.HasKind(err, errors.KindCancelled))
	assert.Nil(t, c)
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, res.BorrowCount())
	assert.Equal(t, 0, table.Len())
}

func TestCapacity(t *testing.T) {
	table := NewTable[frames](nil, 2)

	_, err := table.Suspend(1, frames{}, HostCall{}, nil)
	require.NoError(t, err)
	_, err = table.Suspend(2, frames{}, HostCall{}, nil)
	require.NoError(t, err)

	_, err = table.Suspend(3, frames{}, HostCall{}, nil)
	assert.True(t, errors.HasKind(err, errors.KindLimitExceeded))
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, []Token{1, 2}, table.Pending())
}

func TestClose(t *testing.T) {
	res := resource.NewTable()
	table := NewTable[frames](res, 0)

	h, _ := res.Allocate(1, "x")
	b1, _ := res.Borrow(h, 2, 1)
	b2, _ := res.Borrow(h, 2, 2)
	_, _ = table.Suspend(1, frames{}, HostCall{}, []resource.Handle{b1})
	_, _ = table.Suspend(2, frames{}, HostCall{}, []resource.Handle{b2})

	assert.Equal(t, 2, table.Close())
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, 0, res.BorrowCount())
}
