package document

import (
	"sort"

	"github.com/hatlonely/modeldb/query"
)

func sortDocs(docs []map[string]any, keys []SortKey) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			a, b := docs[i][k.Column], docs[j][k.Column]
			// nil 排在最前
			var c int
			switch {
			case a == nil && b == nil:
				c = 0
			case a == nil:
				c = -1
			case b == nil:
				c = 1
			default:
				c = query.Compare(a, b)
			}
			if c == 0 {
				continue
			}
			if k.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
