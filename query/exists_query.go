package query

// ExistsQuery 字段存在查询
type ExistsQuery struct {
	Field string `json:"field"`
}

func (q *ExistsQuery) Type() QueryType {
	return QueryTypeExists
}

func (q *ExistsQuery) ToES() map[string]any {
	return map[string]any{
		"exists": map[string]any{
			"field": q.Field,
		},
	}
}

func (q *ExistsQuery) ToMongo() map[string]any {
	return map[string]any{
		q.Field: map[string]any{"$exists": true, "$ne": nil},
	}
}

func (q *ExistsQuery) Match(doc map[string]any) bool {
	v, ok := doc[q.Field]
	return ok && v != nil
}
