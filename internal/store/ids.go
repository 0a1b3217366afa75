package store

import (
	"strings"

	"github.com/google/uuid"
)

// NewBranchID returns a fresh branch id: "branch_" plus the first eight
// hex digits of a v4 uuid. Short enough to read in logs, unique enough
// for one story's tree.
func NewBranchID() string {
	return "branch_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
