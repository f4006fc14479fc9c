package task

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/squadhq/squad/internal/fault"
)

// idPattern matches root ids like "squad-x7k2" and child ids like
// "squad-x7k2.3". The dotted suffix is generated for display; parent
// relationships are stored explicitly and never recovered by parsing.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*-[a-z0-9]{3,6}(\.[0-9]+)*$`)

const slugLen = 4

// ValidateID checks a task id against the identifier syntax.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fault.Errorf(fault.Validation, "malformed task id %q", id)
	}
	return nil
}

// newSlug returns a random base36 slug. Uniqueness is enforced by the
// primary key; callers retry on collision.
func newSlug() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	n := binary.BigEndian.Uint64(buf[:])
	s := strconv.FormatUint(n, 36)
	if len(s) < slugLen {
		s = strings.Repeat("0", slugLen-len(s)) + s
	}
	return s[:slugLen]
}

// rootID builds a root task id for a project.
func rootID(project string) string {
	return project + "-" + newSlug()
}

// childID builds the display id for the nth child of a parent.
func childID(parent string, n int) string {
	return fmt.Sprintf("%s.%d", parent, n)
}
