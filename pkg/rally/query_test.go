package rally

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name     string
		filter   Filter
		expected string
	}{
		{
			name:     "name uses contains",
			filter:   Filter{"Name": "CSBD"},
			expected: "(Name contains CSBD)",
		},
		{
			name:     "display name with spaces is quoted",
			filter:   Filter{"DisplayName": "Jane Doe"},
			expected: `(DisplayName contains "Jane Doe")`,
		},
		{
			name:     "other fields use equality",
			filter:   Filter{"State": "Defined"},
			expected: "(State = Defined)",
		},
		{
			name:     "owner id gets user prefix",
			filter:   Filter{"Owner": "123"},
			expected: "(Owner = /user/123)",
		},
		{
			name:     "owner ref kept",
			filter:   Filter{"Owner": "/user/123"},
			expected: "(Owner = /user/123)",
		},
		{
			name:     "currentuser passes through",
			filter:   Filter{"Owner": "currentuser"},
			expected: "(Owner = currentuser)",
		},
		{
			name:     "object id emitted as number",
			filter:   Filter{"ObjectID": "  82742517605  "},
			expected: "(ObjectID = 82742517605)",
		},
		{
			name:     "multiple keys chain in sorted order",
			filter:   Filter{"State": "Open", "Name": "login", "Iteration": "/iteration/9"},
			expected: "(((Iteration = /iteration/9) AND (Name contains login)) AND (State = Open))",
		},
		{
			name:     "quotes escaped",
			filter:   Filter{"Name": `say "hi"`},
			expected: `(Name contains "say \"hi\"")`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := BuildQuery(tt.filter)
			require.NoError(t, err)
			require.NotNil(t, q)
			assert.Equal(t, tt.expected, q.String())
		})
	}
}

func TestBuildQuery_Empty(t *testing.T) {
	q, err := BuildQuery(Filter{})
	require.NoError(t, err)
	assert.Nil(t, q)

	q, err = BuildQuery(nil)
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestBuildQuery_InvalidObjectIDFailsWholeQuery(t *testing.T) {
	_, err := BuildQuery(Filter{"Name": "x", "ObjectID": "123abc"})
	require.Error(t, err)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestParseObjectID(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		errMsg   string
	}{
		{input: "123", expected: 123},
		{input: "  82742517605  ", expected: 82742517605},
		{input: "0", expected: 0},
		{input: "9007199254740991", expected: MaxSafeInteger},
		{input: "123abc", errMsg: "Invalid ObjectID value"},
		{input: "-123", errMsg: "Invalid ObjectID value"},
		{input: "", errMsg: "Invalid ObjectID value"},
		{input: "1.5", errMsg: "Invalid ObjectID value"},
		{input: "9007199254740992", errMsg: "outside the safe integer range"},
		{input: "99999999999999999999999", errMsg: "outside the safe integer range"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			id, err := ParseObjectID(tt.input)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, id)
		})
	}
}

func TestScopeToProject(t *testing.T) {
	assert.Equal(t, "(Project = /project/42)", ScopeToProject(nil, "/project/42").String())

	q, err := BuildQuery(Filter{"Name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "((Name contains x) AND (Project = /project/42))", ScopeToProject(q, "/project/42").String())
}

func TestFilter_HasProject(t *testing.T) {
	assert.True(t, Filter{"Project": "/project/1"}.HasProject())
	assert.True(t, Filter{"Project.Name": "CSBD"}.HasProject())
	assert.False(t, Filter{"Projects": "x", "Name": "y"}.HasProject())
}

func TestRefHelpers(t *testing.T) {
	assert.Equal(t, "/task/123", EnsureRef("123", TypeTask))
	assert.Equal(t, "/task/123", EnsureRef("/task/123", TypeTask))
	assert.True(t, HasRefPrefix("/defect/9", TypeDefect))
	assert.False(t, HasRefPrefix("/defects/9", TypeDefect))
	assert.Equal(t, "/task/1", RelativeRef("https://rally1.rallydev.com/slm/webservice/v2.0/task/1"))
	assert.Equal(t, "/task/1", RelativeRef("/task/1"))
	assert.Equal(t, "1", RefID("/task/1"))
}
