// Package idgen generates opaque, sortable identifiers for orders and
// trades without any coordination across processes.
package idgen

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// New returns an id of the form "<prefix><unix-nano base36>-<uuid short>", unique
// across the lifetime of the database and roughly time-ordered.
func New(prefix string) string {
	ts := strconv.FormatInt(time.Now().UnixNano(), 36)
	return prefix + ts + "-" + uuid.New().String()[:8]
}

// Order generates an opaque order id.
func Order() string { return New("O-") }

// Trade generates an opaque trade id.
func Trade() string { return New("T-") }
