// Package idutil provides small identifier helpers shared across the
// coordinator and its shard workers. Grounded on
// internal/common_utils/utils.go's GoID, generalized from a page-manager
// debug print into a reusable helper for tagging per-goroutine log lines.
package idutil

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoID parses the calling goroutine's id out of a runtime.Stack trace. It is
// meant for log correlation only, not for identity checks: Go gives no
// supported way to read a goroutine id, and this trick is best-effort.
func GoID() int64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
