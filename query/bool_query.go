package query

// BoolQuery 布尔查询
type BoolQuery struct {
	Must           []Query `json:"must,omitempty"`
	Should         []Query `json:"should,omitempty"`
	MustNot        []Query `json:"must_not,omitempty"`
	MinShouldMatch *int    `json:"minimum_should_match,omitempty"`
}

func (q *BoolQuery) Type() QueryType {
	return QueryTypeBool
}

func toESList(queries []Query) []any {
	list := make([]any, len(queries))
	for i, query := range queries {
		list[i] = query.ToES()
	}
	return list
}

func toMongoList(queries []Query) []any {
	list := make([]any, len(queries))
	for i, query := range queries {
		list[i] = query.ToMongo()
	}
	return list
}

func (q *BoolQuery) ToES() map[string]any {
	boolQuery := map[string]any{}
	if len(q.Must) > 0 {
		boolQuery["must"] = toESList(q.Must)
	}
	if len(q.Should) > 0 {
		boolQuery["should"] = toESList(q.Should)
	}
	if len(q.MustNot) > 0 {
		boolQuery["must_not"] = toESList(q.MustNot)
	}
	if q.MinShouldMatch != nil {
		boolQuery["minimum_should_match"] = *q.MinShouldMatch
	}
	return map[string]any{"bool": boolQuery}
}

func (q *BoolQuery) ToMongo() map[string]any {
	var and []any
	and = append(and, toMongoList(q.Must)...)

	if len(q.Should) > 0 {
		should := toMongoList(q.Should)
		// 最少匹配数不为 1 时使用 $expr 计数
		if n := q.minShouldMatch(); n != 1 {
			cond := make([]any, len(should))
			for i, c := range should {
				cond[i] = map[string]any{"$cond": []any{c, 1, 0}}
			}
			and = append(and, map[string]any{
				"$expr": map[string]any{"$gte": []any{map[string]any{"$add": cond}, n}},
			})
		} else {
			and = append(and, map[string]any{"$or": should})
		}
	}

	if len(q.MustNot) > 0 {
		and = append(and, map[string]any{"$nor": toMongoList(q.MustNot)})
	}

	switch len(and) {
	case 0:
		return map[string]any{}
	case 1:
		return and[0].(map[string]any)
	}
	return map[string]any{"$and": and}
}

// minShouldMatch 未设置时，没有 must 条件则至少匹配一个 should
func (q *BoolQuery) minShouldMatch() int {
	if q.MinShouldMatch != nil {
		return *q.MinShouldMatch
	}
	if len(q.Must) == 0 && len(q.Should) > 0 {
		return 1
	}
	return 0
}

func (q *BoolQuery) Match(doc map[string]any) bool {
	for _, query := range q.Must {
		if !query.Match(doc) {
			return false
		}
	}
	for _, query := range q.MustNot {
		if query.Match(doc) {
			return false
		}
	}
	n := 0
	for _, query := range q.Should {
		if query.Match(doc) {
			n++
		}
	}
	return n >= q.minShouldMatch()
}
