package actuate

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/ashita-ai/chosei/internal/model"
)

const (
	namePrefix = "chosei_"
	// maxIdentLen is Postgres's NAMEDATALEN-1.
	maxIdentLen = 63
)

// IndexName derives a deterministic index name from the target, index type
// and attempt counter. Names are lowercase, fit in a Postgres identifier and
// differ across targets on the same table through the hash of the target ID.
func IndexName(t model.Target, typ model.IndexType, attempt int64) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.ID))
	suffix := fmt.Sprintf("_%08x_%s_%d", h.Sum32(), typ.AccessMethod(), attempt)

	slug := slugify(t.Table)
	if room := maxIdentLen - len(namePrefix) - len(suffix); len(slug) > room {
		slug = slug[:max(room, 0)]
	}
	return namePrefix + slug + suffix
}

func slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
