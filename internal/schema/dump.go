package schema

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"dbharness/internal/fixture"
)

// Execer runs commands inside a database container. *fixture.Handle
// implements it.
type Execer interface {
	Exec(ctx context.Context, cmd []string) (int, []byte, error)
	Descriptor() fixture.Descriptor
}

// DumpCommand is the pg_dump invocation used by Dump.
func DumpCommand(d fixture.Descriptor) []string {
	return []string{
		"pg_dump",
		"--schema-only",
		"--no-owner", "--no-privileges",
		"--no-tablespaces",
		"--quote-all-identifiers",
		"-U", d.Username,
		"-d", d.Database,
	}
}

// Dump runs pg_dump inside the container and returns the schema-only SQL,
// prefixed with a short header.
func Dump(ctx context.Context, h Execer) ([]byte, error) {
	d := h.Descriptor()
	if d.Kind != fixture.KindPostgres {
		return nil, ErrNotPostgres
	}

	code, out, err := h.Exec(ctx, DumpCommand(d))
	if err != nil {
		return nil, fmt.Errorf("pg_dump: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("pg_dump exited with code %d: %s", code, strings.TrimSpace(string(out)))
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--\n-- PostgreSQL schema dump\n-- Generated: %s\n--\n\n", time.Now().UTC().Format(time.RFC3339))
	buf.Write(out)
	return buf.Bytes(), nil
}

// StripComments drops blank lines and "--" comment lines from a dump,
// leaving only statements. Useful for diffing dumps across runs.
func StripComments(dump []byte) []byte {
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(dump))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}
