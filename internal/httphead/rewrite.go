package httphead

import (
	"strings"

	"github.com/samber/lo"

	"host-smuggler/internal/model"
)

// HostHeader is the header the smuggled value is restored to.
const HostHeader = "Host"

// Rewrite renames the first header matching name (case-insensitive) to Host,
// keeping its position, and drops any other Host header so the smuggled
// value wins. Later occurrences of name are left alone. It reports whether
// the head changed; a head without the header is not touched at all.
func Rewrite(head *model.RequestHead, name string) bool {
	_, idx, ok := lo.FindIndexOf(head.Headers, func(f model.HeaderField) bool {
		return strings.EqualFold(f.Name, name)
	})
	if !ok {
		return false
	}

	head.Headers[idx] = model.HeaderField{Name: HostHeader, Value: head.Headers[idx].Value}
	head.Headers = lo.Reject(head.Headers, func(f model.HeaderField, i int) bool {
		return i != idx && strings.EqualFold(f.Name, HostHeader)
	})
	head.Modified = true
	return true
}
