package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns prefix_<uuid v7>. Version 7 ids sort by creation time.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + strings.ReplaceAll(id.String(), "-", "")
}
