package filetable

import (
	"bytes"
	"context"
	"testing"

	"github.com/keks/framefs"
	"github.com/stretchr/testify/require"
)

type op interface {
	Do(*testing.T, *testEnv)
}

func checkErr(t *testing.T, expErr error, err error) {
	if expErr == nil {
		require.NoError(t, err)
	} else {
		require.ErrorIs(t, err, expErr)
	}
}

type openOp struct {
	path string

	expErr error
}

func (op openOp) Do(t *testing.T, env *testEnv) {
	h, err := env.table.Open(op.path)
	checkErr(t, op.expErr, err)

	if err == nil {
		if prev, ok := env.handles[op.path]; ok {
			require.Equal(t, prev, h, "reopen must return the same handle")
		}
		env.handles[op.path] = h
	}
}

type closeOp struct {
	path string

	expErr error
}

func (op closeOp) Do(t *testing.T, env *testEnv) {
	checkErr(t, op.expErr, env.table.Close(env.handles[op.path]))
}

type writeOp struct {
	path string
	data []byte

	expN   int
	expErr error
}

func (op writeOp) Do(t *testing.T, env *testEnv) {
	n, err := env.table.Write(context.Background(), env.handles[op.path], op.data)
	t.Logf("writeOp %s, n: %d, err: %v", op.path, n, err)

	checkErr(t, op.expErr, err)
	require.Equal(t, op.expN, n)
}

type readOp struct {
	path    string
	readlen int

	exp    []byte
	expErr error
}

func (op readOp) Do(t *testing.T, env *testEnv) {
	if op.readlen == 0 {
		op.readlen = len(op.exp)
	}

	buf := make([]byte, op.readlen)
	n, err := env.table.Read(context.Background(), env.handles[op.path], buf)
	t.Logf("readOp %s, n: %d, err: %v", op.path, n, err)

	checkErr(t, op.expErr, err)
	require.Equal(t, len(op.exp), n)
	require.True(t, bytes.Equal(op.exp, buf[:n]), "read data mismatch")
}

type seekOp struct {
	path string
	off  uint32

	expErr error
}

func (op seekOp) Do(t *testing.T, env *testEnv) {
	checkErr(t, op.expErr, env.table.Seek(env.handles[op.path], op.off))
}

type tellOp struct {
	path string

	expPos    uint32
	expLength uint32
	expFrames int
}

func (op tellOp) Do(t *testing.T, env *testEnv) {
	pos, length, err := env.table.Tell(env.handles[op.path])
	require.NoError(t, err)
	require.Equal(t, op.expPos, pos, "cursor")
	require.Equal(t, op.expLength, length, "length")

	if op.expFrames != 0 {
		e, ok := env.table.Stat(op.path)
		require.True(t, ok)
		require.Len(t, e.Frames, op.expFrames)
	}
}

// busOp checks the device transfer counters.
type busOp struct {
	reads, writes int
}

func (op busOp) Do(t *testing.T, env *testEnv) {
	require.Equal(t, op.reads, env.mem.reads, "device reads")
	require.Equal(t, op.writes, env.mem.writes, "device writes")
}

// failOp makes the n-th next transfer fail.
type failOp struct {
	n int
}

func (op failOp) Do(t *testing.T, env *testEnv) {
	env.mem.failAt = env.mem.calls + op.n
}

type rawHandleOp struct {
	h framefs.Handle

	expErr error
}

func (op rawHandleOp) Do(t *testing.T, env *testEnv) {
	_, err := env.table.Read(context.Background(), op.h, make([]byte, 1))
	require.ErrorIs(t, err, op.expErr)
	_, err = env.table.Write(context.Background(), op.h, []byte{1})
	require.ErrorIs(t, err, op.expErr)
	require.ErrorIs(t, env.table.Seek(op.h, 0), op.expErr)
	require.ErrorIs(t, env.table.Close(op.h), op.expErr)
}

type dumpOp struct {
	path string
}

func (op dumpOp) Do(t *testing.T, env *testEnv) {
	e, _ := env.table.Stat(op.path)
	t.Logf("%s: %#v", op.path, e)
}
