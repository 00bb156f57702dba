package rally

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxSafeInteger is the largest ObjectID accepted in a filter (2^53 - 1).
const MaxSafeInteger int64 = 1<<53 - 1

const (
	OpEquals   = "="
	OpContains = "contains"

	// CurrentUser is the WSAPI token for the authenticated user.
	CurrentUser = "currentuser"
)

// Filter maps field names to match values, as received from a tool call.
type Filter map[string]string

// Query is a WSAPI query expression: either a Where leaf or an And node.
type Query interface {
	String() string
	isQuery()
}

// Where compares one field with one value.
type Where struct {
	Field    string
	Operator string
	Value    any
}

func (Where) isQuery() {}

func (w Where) String() string {
	return "(" + w.Field + " " + w.Operator + " " + formatValue(w.Value) + ")"
}

// And joins two queries.
type And struct {
	Left  Query
	Right Query
}

func (And) isQuery() {}

func (a And) String() string {
	return "(" + a.Left.String() + " AND " + a.Right.String() + ")"
}

// Conjoin chains the non-nil queries left to right with AND. It returns nil
// when there is nothing to join.
func Conjoin(queries ...Query) Query {
	var out Query
	for _, q := range queries {
		if q == nil {
			continue
		}
		if out == nil {
			out = q
			continue
		}
		out = And{Left: out, Right: q}
	}
	return out
}

func formatValue(v any) string {
	switch val := v.(type) {
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	case string:
		if needsQuotes(val) {
			return `"` + strings.ReplaceAll(val, `"`, `\"`) + `"`
		}
		return val
	default:
		return formatValue(fmt.Sprint(val))
	}
}

func needsQuotes(s string) bool {
	return s == "" || strings.ContainsAny(s, " \t\r\n()\"")
}

// Keys returns the filter keys in sorted order.
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasProject reports whether the filter already constrains the project.
func (f Filter) HasProject() bool {
	for k := range f {
		if k == "Project" || strings.HasPrefix(k, "Project.") {
			return true
		}
	}
	return false
}

// BuildQuery turns a filter into an AND-chain of predicates. Name and
// DisplayName match with contains, everything else with equality. An empty
// filter yields a nil query.
func BuildQuery(f Filter) (Query, error) {
	var leaves []Query
	for _, key := range f.Keys() {
		leaf, err := Predicate(key, f[key])
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	return Conjoin(leaves...), nil
}

// Predicate builds the leaf for a single filter entry.
func Predicate(field, value string) (Query, error) {
	switch field {
	case "Name", "DisplayName":
		return Where{Field: field, Operator: OpContains, Value: value}, nil
	case "Owner":
		return Where{Field: field, Operator: OpEquals, Value: OwnerRef(value)}, nil
	case "ObjectID":
		id, err := ParseObjectID(value)
		if err != nil {
			return nil, err
		}
		return Where{Field: field, Operator: OpEquals, Value: id}, nil
	default:
		return Where{Field: field, Operator: OpEquals, Value: value}, nil
	}
}

// OwnerRef prefixes a user id with /user/ unless it is already a user
// reference or the currentuser token.
func OwnerRef(value string) string {
	v := strings.TrimSpace(value)
	if v == CurrentUser || HasRefPrefix(v, TypeUser) {
		return v
	}
	return Ref(TypeUser, v)
}

// ParseObjectID validates an ObjectID filter value: digits only after
// trimming and no larger than MaxSafeInteger.
func ParseObjectID(value string) (int64, error) {
	v := strings.TrimSpace(value)
	if !numericID.MatchString(v) {
		return 0, invalidf("Invalid ObjectID value '%s': must be a non-negative integer", value)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id > MaxSafeInteger {
		return 0, invalidf("Invalid ObjectID value '%s': outside the safe integer range", value)
	}
	return id, nil
}

// ScopeToProject ANDs a Project equality onto q.
func ScopeToProject(q Query, projectRef string) Query {
	return Conjoin(q, Where{Field: "Project", Operator: OpEquals, Value: projectRef})
}
