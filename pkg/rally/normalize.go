package rally

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rallymcp/rally-mcp/pkg/formatter"
)

// NoOwner is shown when a record has no owner relation.
const NoOwner = "No Owner"

// Record is one raw WSAPI result object.
type Record map[string]any

// ID returns ObjectID as a string, without float rounding.
func (r Record) ID() string {
	return scalarString(r["ObjectID"])
}

// String returns a scalar field as a string, or "" when absent.
func (r Record) String(key string) string {
	return scalarString(r[key])
}

// Ref returns the relative _ref of the record.
func (r Record) Ref() string {
	return RelativeRef(r.String("_ref"))
}

// RefOf returns the record's _ref, or builds one from its ObjectID.
func (r Record) RefOf(typ string) string {
	if ref := r.Ref(); ref != "" {
		return ref
	}
	if id := r.ID(); id != "" {
		return Ref(typ, id)
	}
	return ""
}

// Object returns a nested relation object, or nil.
func (r Record) Object(key string) Record {
	switch v := r[key].(type) {
	case map[string]any:
		return Record(v)
	case Record:
		return v
	}
	return nil
}

// RefName resolves a relation to its display name. ok is false when the
// relation is absent.
func (r Record) RefName(key string) (name string, ok bool) {
	obj := r.Object(key)
	if obj == nil {
		return "", false
	}
	if n := obj.String("_refObjectName"); n != "" {
		return n, true
	}
	return obj.String("Name"), true
}

// RefNameOr resolves a relation name or returns fallback.
func (r Record) RefNameOr(key, fallback string) string {
	if name, ok := r.RefName(key); ok {
		return name
	}
	return fallback
}

// RefNamePtr resolves a relation name or returns nil.
func (r Record) RefNamePtr(key string) *string {
	if name, ok := r.RefName(key); ok {
		return &name
	}
	return nil
}

// Count reduces a collection relation to its Count, 0 when absent.
func (r Record) Count(key string) int {
	obj := r.Object(key)
	if obj == nil {
		return 0
	}
	n, ok := r.numberOf(obj["Count"])
	if !ok {
		return 0
	}
	return int(n)
}

// Number returns a numeric field, or nil when absent or null.
func (r Record) Number(key string) *float64 {
	n, ok := r.numberOf(r[key])
	if !ok {
		return nil
	}
	return &n
}

// Int returns a numeric field truncated to int, or 0.
func (r Record) Int(key string) int {
	n, _ := r.numberOf(r[key])
	return int(n)
}

// Bool returns a boolean field, false when absent.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Custom collects the c_ prefixed custom fields.
func (r Record) Custom() map[string]any {
	var out map[string]any
	for k, v := range r {
		if !strings.HasPrefix(k, "c_") {
			continue
		}
		if out == nil {
			out = map[string]any{}
		}
		out[k] = v
	}
	return out
}

func (Record) numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(s)
	}
}

// MatchFields flattens an entity into the string fields the cache compares
// filters against. Custom fields are lifted to the top level.
func MatchFields(v any) map[string]string {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if k == "Custom" {
			if custom, ok := val.(map[string]any); ok {
				for ck, cv := range custom {
					if s, ok := cv.(string); ok {
						out[ck] = s
					}
				}
			}
			continue
		}
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

// HTMLOptions toggles tag stripping of test case rich text fields.
type HTMLOptions struct {
	TestCaseDescription   bool
	TestCaseObjective     bool
	TestCasePreConditions bool
}

func stripIf(enabled bool, s string) string {
	if enabled {
		return formatter.StripHTML(s)
	}
	return s
}

func NormalizeProject(r Record) Project {
	return Project{
		ObjectID:       r.ID(),
		Name:           r.String("Name"),
		Description:    formatter.StripHTML(r.String("Description")),
		State:          r.String("State"),
		CreationDate:   r.String("CreationDate"),
		LastUpdateDate: r.String("LastUpdateDate"),
		Owner:          r.RefNameOr("Owner", NoOwner),
		Parent:         r.RefNamePtr("Parent"),
		ChildrenCount:  r.Count("Children"),
		Ref:            r.Ref(),
	}
}

func NormalizeUser(r Record) User {
	return User{
		ObjectID:     r.ID(),
		UserName:     r.String("UserName"),
		DisplayName:  r.String("DisplayName"),
		EmailAddress: r.String("EmailAddress"),
		FirstName:    r.String("FirstName"),
		LastName:     r.String("LastName"),
		Disabled:     r.Bool("Disabled"),
		Ref:          r.Ref(),
	}
}

func NormalizeUserStory(r Record) UserStory {
	return UserStory{
		ObjectID:          r.ID(),
		FormattedID:       r.String("FormattedID"),
		Name:              r.String("Name"),
		Description:       formatter.StripHTML(r.String("Description")),
		State:             r.String("State"),
		PlanEstimate:      r.Number("PlanEstimate"),
		ToDo:              r.Number("ToDo"),
		Owner:             r.RefNameOr("Owner", NoOwner),
		Project:           r.RefNamePtr("Project"),
		Iteration:         r.RefNamePtr("Iteration"),
		Blocked:           r.Bool("Blocked"),
		TaskEstimateTotal: r.Number("TaskEstimateTotal"),
		TaskStatus:        r.String("TaskStatus"),
		TasksCount:        r.Count("Tasks"),
		TestCasesCount:    r.Count("TestCases"),
		DefectsCount:      r.Count("Defects"),
		DiscussionCount:   r.Count("Discussion"),
		Ref:               r.Ref(),
		Custom:            r.Custom(),
	}
}

func NormalizeTask(r Record) Task {
	return Task{
		ObjectID:    r.ID(),
		FormattedID: r.String("FormattedID"),
		Name:        r.String("Name"),
		State:       r.String("State"),
		Estimate:    r.Number("Estimate"),
		ToDo:        r.Number("ToDo"),
		Owner:       r.RefNameOr("Owner", NoOwner),
		WorkProduct: r.RefNamePtr("WorkProduct"),
		Ref:         r.Ref(),
	}
}

func NormalizeDefect(r Record) Defect {
	return Defect{
		ObjectID:       r.ID(),
		FormattedID:    r.String("FormattedID"),
		Name:           r.String("Name"),
		State:          r.String("State"),
		Severity:       r.String("Severity"),
		Priority:       r.String("Priority"),
		Description:    formatter.StripHTML(r.String("Description")),
		Owner:          r.RefNamePtr("Owner"),
		Project:        r.RefNamePtr("Project"),
		Iteration:      r.RefNamePtr("Iteration"),
		CreationDate:   r.String("CreationDate"),
		LastUpdateDate: r.String("LastUpdateDate"),
		Ref:            r.Ref(),
	}
}

func NormalizeTestCase(r Record, opts HTMLOptions) TestCase {
	return TestCase{
		ObjectID:      r.ID(),
		FormattedID:   r.String("FormattedID"),
		Name:          r.String("Name"),
		State:         r.String("State"),
		Description:   stripIf(opts.TestCaseDescription, r.String("Description")),
		Objective:     stripIf(opts.TestCaseObjective, r.String("Objective")),
		PreConditions: stripIf(opts.TestCasePreConditions, r.String("PreConditions")),
		Owner:         r.RefNameOr("Owner", NoOwner),
		Project:       r.RefNamePtr("Project"),
		Iteration:     r.RefNamePtr("Iteration"),
		TestFolder:    r.RefNamePtr("TestFolder"),
		WorkProduct:   r.RefNamePtr("WorkProduct"),
		Type:          r.String("Type"),
		Priority:      r.String("Priority"),
		Ref:           r.Ref(),
		Custom:        r.Custom(),
	}
}

func NormalizeTestCaseStep(r Record) TestCaseStep {
	step := TestCaseStep{
		ObjectID:       r.ID(),
		StepIndex:      r.Int("StepIndex"),
		Input:          r.String("Input"),
		ExpectedResult: r.String("ExpectedResult"),
		Ref:            r.RefOf(TypeTestCaseStep),
	}
	if tc := r.Object("TestCase"); tc != nil {
		step.TestCase = tc.Ref()
	}
	return step
}

func NormalizeTestFolder(r Record) TestFolder {
	return TestFolder{
		ObjectID:       r.ID(),
		FormattedID:    r.String("FormattedID"),
		Name:           r.String("Name"),
		Description:    r.String("Description"),
		State:          r.String("State"),
		Owner:          r.RefNamePtr("Owner"),
		Project:        r.RefNamePtr("Project"),
		Iteration:      r.RefNamePtr("Iteration"),
		Parent:         r.RefNamePtr("Parent"),
		ChildrenCount:  r.Count("Children"),
		TestCasesCount: r.Count("TestCases"),
		Ref:            r.Ref(),
	}
}

func NormalizeIteration(r Record) Iteration {
	return Iteration{
		ObjectID:  r.ID(),
		Name:      r.String("Name"),
		State:     r.String("State"),
		StartDate: r.String("StartDate"),
		EndDate:   r.String("EndDate"),
		Project:   r.RefNamePtr("Project"),
		Ref:       r.Ref(),
	}
}

func NormalizeTypeDefinition(r Record) TypeDefinition {
	return TypeDefinition{
		ObjectID:    r.ID(),
		Name:        r.String("Name"),
		DisplayName: r.String("DisplayName"),
		ElementName: r.String("ElementName"),
		Abstract:    r.Bool("Abstract"),
		Creatable:   r.Bool("Creatable"),
		Queryable:   r.Bool("Queryable"),
		ReadOnly:    r.Bool("ReadOnly"),
		Updatable:   r.Bool("Updatable"),
	}
}

// sortSteps orders steps by StepIndex in place.
func sortSteps(steps []TestCaseStep) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
}
