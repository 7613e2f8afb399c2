package cluster

import (
	"fmt"
	"time"
)

const historySize = 100

// history is a ring of recent events of a group, shown by the diagnostic
// dump.
type history struct {
	entries [historySize]string
	next    int
	full    bool
}

func (h *history) add(format string, args ...any) {
	h.entries[h.next] = time.Now().Format("15:04:05.000") + " " + fmt.Sprintf(format, args...)
	h.next = (h.next + 1) % historySize
	if h.next == 0 {
		h.full = true
	}
}

// list returns the entries oldest first.
func (h *history) list() []string {
	if !h.full {
		return append([]string(nil), h.entries[:h.next]...)
	}
	out := make([]string, 0, historySize)
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}
