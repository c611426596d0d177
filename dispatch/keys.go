package dispatch

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/lustre-irods/connector/translate"
)

// Keys returns the conflict keys of rec. Two records sharing a key belong to
// the same lineage. Lineages are the top-level entries below a mapping root
// plus the entity itself, so a rename that moves an entry between two
// top-level directories links both of them. barrier is true for records on a
// mapping root, which conflict with everything.
func Keys(rec translate.Record) (keys []uint64, barrier bool) {
	keys = make([]uint64, 0, 3)

	for _, p := range [...][2]string{{rec.Path, rec.Root}, {rec.DestPath, rec.DestRoot}} {
		catalogPath, root := p[0], p[1]
		if catalogPath == "" {
			continue
		}
		if catalogPath == root {
			barrier = true
			continue
		}
		keys = appendKey(keys, xxhash.Sum64String(root+"/"+firstComponent(catalogPath, root)))
	}

	if rec.Change.EntityID != "" {
		keys = appendKey(keys, xxhash.Sum64String("fid:"+rec.Change.EntityID))
	}
	return keys, barrier
}

func firstComponent(p, root string) string {
	rest := strings.TrimPrefix(p, root)
	rest = strings.TrimPrefix(rest, "/")
	first, _, _ := strings.Cut(rest, "/")
	return first
}

func appendKey(keys []uint64, k uint64) []uint64 {
	for _, existing := range keys {
		if existing == k {
			return keys
		}
	}
	return append(keys, k)
}
