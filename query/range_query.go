package query

// RangeQuery 范围查询
type RangeQuery struct {
	Field string `json:"field"`
	Gt    any    `json:"gt,omitempty"`
	Gte   any    `json:"gte,omitempty"`
	Lt    any    `json:"lt,omitempty"`
	Lte   any    `json:"lte,omitempty"`
}

func (q *RangeQuery) Type() QueryType {
	return QueryTypeRange
}

func (q *RangeQuery) bounds(gt, gte, lt, lte string) map[string]any {
	m := map[string]any{}
	if q.Gt != nil {
		m[gt] = q.Gt
	}
	if q.Gte != nil {
		m[gte] = q.Gte
	}
	if q.Lt != nil {
		m[lt] = q.Lt
	}
	if q.Lte != nil {
		m[lte] = q.Lte
	}
	return m
}

func (q *RangeQuery) ToES() map[string]any {
	return map[string]any{
		"range": map[string]any{
			q.Field: q.bounds("gt", "gte", "lt", "lte"),
		},
	}
}

func (q *RangeQuery) ToMongo() map[string]any {
	return map[string]any{
		q.Field: q.bounds("$gt", "$gte", "$lt", "$lte"),
	}
}

func (q *RangeQuery) Match(doc map[string]any) bool {
	v, ok := doc[q.Field]
	if !ok || v == nil {
		return false
	}
	if q.Gt != nil && Compare(v, q.Gt) <= 0 {
		return false
	}
	if q.Gte != nil && Compare(v, q.Gte) < 0 {
		return false
	}
	if q.Lt != nil && Compare(v, q.Lt) >= 0 {
		return false
	}
	if q.Lte != nil && Compare(v, q.Lte) > 0 {
		return false
	}
	return true
}
