package query

// TermQuery 精确匹配查询
type TermQuery struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

func (q *TermQuery) Type() QueryType {
	return QueryTypeTerm
}

func (q *TermQuery) ToES() map[string]any {
	return map[string]any{
		"term": map[string]any{
			q.Field: q.Value,
		},
	}
}

func (q *TermQuery) ToMongo() map[string]any {
	return map[string]any{
		q.Field: q.Value,
	}
}

func (q *TermQuery) Match(doc map[string]any) bool {
	return Equal(doc[q.Field], q.Value)
}

// TermsQuery 多值匹配查询，任意一个值相等即匹配
type TermsQuery struct {
	Field  string `json:"field"`
	Values []any  `json:"values"`
}

func (q *TermsQuery) Type() QueryType {
	return QueryTypeTerms
}

func (q *TermsQuery) ToES() map[string]any {
	return map[string]any{
		"terms": map[string]any{
			q.Field: q.Values,
		},
	}
}

func (q *TermsQuery) ToMongo() map[string]any {
	return map[string]any{
		q.Field: map[string]any{"$in": q.Values},
	}
}

func (q *TermsQuery) Match(doc map[string]any) bool {
	v := doc[q.Field]
	for _, value := range q.Values {
		if Equal(v, value) {
			return true
		}
	}
	return false
}
