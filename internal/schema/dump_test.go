package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbharness/internal/fixture"
)

type fakeExecer struct {
	d    fixture.Descriptor
	code int
	out  []byte
	err  error
	cmd  []string
}

func (f *fakeExecer) Exec(_ context.Context, cmd []string) (int, []byte, error) {
	f.cmd = cmd
	return f.code, f.out, f.err
}

func (f *fakeExecer) Descriptor() fixture.Descriptor { return f.d }

var pgDescriptor = fixture.Descriptor{Kind: fixture.KindPostgres, Username: "test", Database: "dbharness_test"}

func TestDump(t *testing.T) {
	dump := "--\n-- Name: users; Type: TABLE\n--\n\nCREATE TABLE \"public\".\"users\" (\n    \"id\" integer NOT NULL\n);\n"
	e := &fakeExecer{d: pgDescriptor, out: []byte(dump)}

	out, err := Dump(context.Background(), e)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"pg_dump", "--schema-only", "--no-owner", "--no-privileges", "--no-tablespaces",
		"--quote-all-identifiers", "-U", "test", "-d", "dbharness_test",
	}, e.cmd)
	assert.Contains(t, string(out), "-- PostgreSQL schema dump")
	assert.Contains(t, string(out), `CREATE TABLE "public"."users"`)

	assert.Equal(t, "CREATE TABLE \"public\".\"users\" (\n    \"id\" integer NOT NULL\n);\n", string(StripComments(out)))
}

func TestDump_Errors(t *testing.T) {
	t.Run("non-zero exit", func(t *testing.T) {
		e := &fakeExecer{d: pgDescriptor, code: 1, out: []byte("pg_dump: error: role \"nobody\" does not exist\n")}
		_, err := Dump(context.Background(), e)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exited with code 1")
		assert.Contains(t, err.Error(), "does not exist")
	})

	t.Run("exec failure", func(t *testing.T) {
		cause := errors.New("container not running")
		e := &fakeExecer{d: pgDescriptor, err: cause}
		_, err := Dump(context.Background(), e)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("not postgres", func(t *testing.T) {
		e := &fakeExecer{d: fixture.Descriptor{Kind: fixture.KindMySQL}}
		_, err := Dump(context.Background(), e)
		assert.ErrorIs(t, err, ErrNotPostgres)
		assert.Nil(t, e.cmd)
	})

	t.Run("override handle", func(t *testing.T) {
		var h fixture.Handle
		_, err := Dump(context.Background(), &h)
		// A zero handle has no kind, so it is rejected before Exec.
		assert.ErrorIs(t, err, ErrNotPostgres)
	})
}
