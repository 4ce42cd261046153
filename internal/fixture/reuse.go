package fixture

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/testcontainers/testcontainers-go"
)

// Container labels set on every launched database.
const (
	LabelKey     = "dbharness.label"
	LabelSession = "dbharness.session"
	LabelReuse   = "dbharness.reuse"
	LabelBackend = "dbharness.backend"
)

// DefaultLabel is used when a Request leaves Label empty.
const DefaultLabel = "dbharness"

// reaperDisabled reads TESTCONTAINERS_RYUK_DISABLED and
// ~/.testcontainers.properties.
var reaperDisabled = func() bool {
	return testcontainers.ReadConfig().Config.RyukDisabled
}

// ReuseSupported reports whether a reusable container outlives this process.
// With the testcontainers reaper (Ryuk) running, every container it saw is
// removed once the session ends, named or not.
func ReuseSupported() bool {
	return reaperDisabled()
}

// Docker container names allow [a-zA-Z0-9][a-zA-Z0-9_.-]*.
var labelPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

func validLabel(label string) bool {
	return len(label) <= 64 && labelPattern.MatchString(label)
}

// reuseName derives a stable container name from the image, label and env,
// so a later process asking for the same thing attaches to the same
// container and a different env never does.
func reuseName(image, label string, env map[string]string) string {
	d := xxhash.New()
	_, _ = d.WriteString(image)
	_, _ = d.WriteString("\x00")
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		_, _ = d.WriteString(k)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(env[k])
		_, _ = d.WriteString("\x00")
	}
	return fmt.Sprintf("%s-%016x", label, d.Sum64())
}

func containerLabels(label, session string, kind Kind, reuse bool) map[string]string {
	labels := map[string]string{
		LabelKey:     label,
		LabelReuse:   strconv.FormatBool(reuse),
		LabelBackend: string(kind),
	}
	// A session label on a reusable container would be stale for every
	// process after the first.
	if !reuse {
		labels[LabelSession] = session
	}
	return labels
}
