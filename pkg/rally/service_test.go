package rally

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rallymcp/rally-mcp/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	Op    string
	Type  string
	Ref   string
	Query string
	Data  map[string]any
}

// fakeClient records every call and answers from the configured funcs.
type fakeClient struct {
	mu    sync.Mutex
	calls []call

	query  func(req QueryRequest) ([]Record, error)
	create func(typ string, data map[string]any) (Record, error)
	update func(ref string, data map[string]any) (Record, error)
}

func (f *fakeClient) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeClient) Query(_ context.Context, req QueryRequest) ([]Record, error) {
	q := ""
	if req.Query != nil {
		q = req.Query.String()
	}
	f.record(call{Op: "query", Type: req.Type, Query: q})
	if f.query == nil {
		return nil, nil
	}
	return f.query(req)
}

func (f *fakeClient) Create(_ context.Context, typ string, data map[string]any, _ []string) (Record, error) {
	f.record(call{Op: "create", Type: typ, Data: data})
	if f.create == nil {
		return Record{"ObjectID": "1", "_ref": "/" + typ + "/1"}, nil
	}
	return f.create(typ, data)
}

func (f *fakeClient) Update(_ context.Context, ref string, data map[string]any, _ []string) (Record, error) {
	f.record(call{Op: "update", Ref: ref, Data: data})
	if f.update == nil {
		return Record{"_ref": ref}, nil
	}
	return f.update(ref, data)
}

func (f *fakeClient) ops(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func newTestService(fc *fakeClient) *Service {
	svc := NewService(fc, NewStore(), Options{})
	svc.Store().SetDefaultProject(&Project{ObjectID: "500", Name: "CSBD"})
	return svc
}

func TestService_GetProjects_CacheThenAPI(t *testing.T) {
	fc := &fakeClient{query: func(req QueryRequest) ([]Record, error) {
		return []Record{
			{"ObjectID": "1", "Name": "CSBD"},
			{"ObjectID": "2", "Name": "CSBD Mobile"},
		}, nil
	}}
	svc := newTestService(fc)
	ctx := context.Background()

	res, err := svc.GetProjects(ctx, Filter{"Name": "CSBD"})
	require.NoError(t, err)
	assert.Equal(t, cache.SourceAPI, res.Source)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "(Name contains CSBD)", fc.ops("query")[0].Query)

	res, err = svc.GetProjects(ctx, Filter{"Name": "CSBD"})
	require.NoError(t, err)
	assert.Equal(t, cache.SourceCache, res.Source)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "1", res.Entities[0].ObjectID)
	assert.Len(t, fc.ops("query"), 1)

	// no exact match in the cache goes remote again
	_, err = svc.GetProjects(ctx, Filter{"Name": "CSB"})
	require.NoError(t, err)
	assert.Len(t, fc.ops("query"), 2)
	assert.Equal(t, 2, svc.Store().Projects.Len())
}

func TestService_GetProjects_InvalidObjectID(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(fc)

	for _, id := range []string{"abc", "-5", "9007199254740992"} {
		_, err := svc.GetProjects(context.Background(), Filter{"ObjectID": id})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, id)
	}
	assert.Empty(t, fc.calls)
}

func TestService_GetUserStories_DefaultScope(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(fc)
	ctx := context.Background()

	_, err := svc.GetUserStories(ctx, Filter{"State": "Defined"}, 0)
	require.NoError(t, err)
	_, err = svc.GetUserStories(ctx, Filter{"Project": "/project/7"}, 0)
	require.NoError(t, err)
	_, err = svc.GetUserStories(ctx, Filter{}, 10)
	require.NoError(t, err)

	queries := fc.ops("query")
	require.Len(t, queries, 3)
	assert.Equal(t, "((State = Defined) AND (Project = /project/500))", queries[0].Query)
	assert.Equal(t, "(Project = /project/7)", queries[1].Query)
	assert.Equal(t, "(Project = /project/500)", queries[2].Query)
}

func TestService_GetUserStories_NoDefaultProject(t *testing.T) {
	fc := &fakeClient{}
	svc := NewService(fc, nil, Options{})

	_, err := svc.GetUserStories(context.Background(), Filter{"State": "Defined"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "(State = Defined)", fc.ops("query")[0].Query)
}

func TestService_GetTestCases_StepsForSingleResult(t *testing.T) {
	fc := &fakeClient{query: func(req QueryRequest) ([]Record, error) {
		switch req.Type {
		case TypeTestCase:
			return []Record{{"ObjectID": "42", "FormattedID": "TC42", "Name": "login"}}, nil
		case TypeTestCaseStep:
			return []Record{
				{"ObjectID": "2", "StepIndex": 2, "Input": "b"},
				{"ObjectID": "1", "StepIndex": 1, "Input": "a"},
			}, nil
		}
		return nil, nil
	}}
	svc := newTestService(fc)

	res, err := svc.GetTestCases(context.Background(), Filter{"FormattedID": "TC42"}, false)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	steps := res.Entities[0].Steps
	require.Len(t, steps, 2)
	assert.Equal(t, "a", steps[0].Input)
	assert.Equal(t, "/testcasestep/2", steps[1].Ref)

	queries := fc.ops("query")
	assert.Equal(t, "(TestCase = /testcase/42)", queries[1].Query)
}

func TestService_GetTestCases_StepsError(t *testing.T) {
	fc := &fakeClient{query: func(req QueryRequest) ([]Record, error) {
		if req.Type == TypeTestCaseStep {
			return nil, errors.New("boom")
		}
		return []Record{{"ObjectID": "42"}}, nil
	}}
	svc := newTestService(fc)

	res, err := svc.GetTestCases(context.Background(), Filter{}, true)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Empty(t, res.Entities[0].Steps)
	assert.Equal(t, "boom", res.Entities[0].StepsError)
}

func TestService_GetDefects(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(fc)

	_, err := svc.GetDefects(context.Background(), "", nil)
	require.Error(t, err)
	assert.Empty(t, fc.calls)

	_, err = svc.GetDefects(context.Background(), "77", Filter{"State": "Open"})
	require.NoError(t, err)
	assert.Equal(t, "((Project = /project/77) AND (State = Open))", fc.ops("query")[0].Query)
}

func TestService_CreateUserStory(t *testing.T) {
	t.Run("missing fields", func(t *testing.T) {
		fc := &fakeClient{}
		_, err := newTestService(fc).CreateUserStory(context.Background(), UserStoryInput{Name: "x"})
		require.Error(t, err)
		assert.Equal(t, "User story is missing required fields: Project, Description", err.Error())
		assert.Empty(t, fc.calls)
	})

	t.Run("bad iteration", func(t *testing.T) {
		fc := &fakeClient{}
		_, err := newTestService(fc).CreateUserStory(context.Background(), UserStoryInput{
			Project: "/project/1", Name: "x", Description: "d", Iteration: "12",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid Iteration reference")
		assert.Empty(t, fc.calls)
	})

	t.Run("owner id prefixed", func(t *testing.T) {
		fc := &fakeClient{}
		created, err := newTestService(fc).CreateUserStory(context.Background(), UserStoryInput{
			Project: "/project/1", Name: "x", Description: "d", Owner: "99",
		})
		require.NoError(t, err)
		assert.Equal(t, "/hierarchicalrequirement/1", created.Ref)
		creates := fc.ops("create")
		require.Len(t, creates, 1)
		assert.Equal(t, "/user/99", creates[0].Data["Owner"])
	})
}

func TestService_CreateDefect(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(fc)

	_, err := svc.CreateDefect(context.Background(), map[string]any{"Severity": "Major"})
	require.EqualError(t, err, "Defect Name is required")

	_, err = svc.CreateDefect(context.Background(), map[string]any{"Name": "crash", "Owner": "5"})
	require.NoError(t, err)
	data := fc.ops("create")[0].Data
	assert.Equal(t, "/user/5", data["Owner"])
	assert.Equal(t, "/project/500", data["Project"])
}

func TestService_UpdateDefect(t *testing.T) {
	fc := &fakeClient{update: func(ref string, data map[string]any) (Record, error) {
		return Record{"ObjectID": "8", "_ref": ref, "State": data["State"]}, nil
	}}
	svc := newTestService(fc)

	_, err := svc.UpdateDefect(context.Background(), "8", nil)
	require.Error(t, err)

	d, err := svc.UpdateDefect(context.Background(), "8", map[string]any{"State": "Fixed"})
	require.NoError(t, err)
	assert.Equal(t, "Fixed", d.State)
	assert.Equal(t, "/defect/8", fc.ops("update")[0].Ref)
}

func TestService_CreateTestCase(t *testing.T) {
	base := TestCaseInput{Name: "login works", TestFolder: "/testfolder/3", Owner: "/user/1"}

	t.Run("work product required", func(t *testing.T) {
		fc := &fakeClient{}
		_, err := newTestService(fc).CreateTestCase(context.Background(), base)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "WorkProduct (or UserStory for backward compatibility)")
		assert.Empty(t, fc.calls)
	})

	t.Run("rejects other types", func(t *testing.T) {
		fc := &fakeClient{}
		in := base
		in.WorkProduct = "/task/1"
		_, err := newTestService(fc).CreateTestCase(context.Background(), in)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid WorkProduct reference")
		assert.Empty(t, fc.calls)
	})

	t.Run("work product wins over user story", func(t *testing.T) {
		fc := &fakeClient{}
		in := base
		in.WorkProduct = "/defect/9"
		in.UserStory = "/hierarchicalrequirement/8"
		_, err := newTestService(fc).CreateTestCase(context.Background(), in)
		require.NoError(t, err)
		data := fc.ops("create")[0].Data
		assert.Equal(t, "/defect/9", data["WorkProduct"])
		assert.Equal(t, "/project/500", data["Project"])
		assert.Equal(t, "Acceptance", data["Type"])
		assert.Equal(t, "Useful", data["Priority"])
		assert.Equal(t, "login works", data["Objective"])
	})

	t.Run("legacy user story", func(t *testing.T) {
		fc := &fakeClient{}
		in := base
		in.UserStory = "/hierarchicalrequirement/8"
		_, err := newTestService(fc).CreateTestCase(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, "/hierarchicalrequirement/8", fc.ops("create")[0].Data["WorkProduct"])
	})

	t.Run("steps created with indexes", func(t *testing.T) {
		fc := &fakeClient{create: func(typ string, data map[string]any) (Record, error) {
			if typ == TypeTestCase {
				return Record{"ObjectID": "70", "FormattedID": "TC70", "_ref": "/testcase/70"}, nil
			}
			idx := data["StepIndex"].(int)
			return Record{"ObjectID": fmt.Sprint(100 + idx), "StepIndex": idx, "Input": data["Input"]}, nil
		}}
		in := base
		in.WorkProduct = "/hierarchicalrequirement/8"
		in.Steps = []StepInput{{Input: "open", ExpectedResult: "page"}, {Input: "submit", ExpectedResult: "ok"}}

		out, err := newTestService(fc).CreateTestCase(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, "TC70", out.TestCase.FormattedID)
		assert.Equal(t, 2, out.TotalSteps)
		assert.Equal(t, 1, out.Steps[0].StepIndex)
		assert.Equal(t, "submit", out.Steps[1].Input)
		for _, c := range fc.ops("create")[1:] {
			assert.Equal(t, "/testcase/70", c.Data["TestCase"])
		}
	})

	t.Run("incomplete step", func(t *testing.T) {
		fc := &fakeClient{}
		in := base
		in.WorkProduct = "/hierarchicalrequirement/8"
		in.Steps = []StepInput{{Input: "open", ExpectedResult: "page"}, {Input: "submit"}}
		_, err := newTestService(fc).CreateTestCase(context.Background(), in)
		require.EqualError(t, err, "Step 2 is missing required fields: Input and ExpectedResult")
		assert.Empty(t, fc.calls)
	})

	t.Run("failed step fails the call", func(t *testing.T) {
		fc := &fakeClient{create: func(typ string, data map[string]any) (Record, error) {
			if typ == TypeTestCaseStep {
				return nil, &OperationError{Operation: "create testcasestep", Errors: []string{"denied"}}
			}
			return Record{"ObjectID": "70"}, nil
		}}
		in := base
		in.WorkProduct = "/hierarchicalrequirement/8"
		in.Steps = []StepInput{{Input: "open", ExpectedResult: "page"}}
		_, err := newTestService(fc).CreateTestCase(context.Background(), in)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "denied")
	})
}

func stepsFixture(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{"ObjectID": fmt.Sprint(i + 1), "StepIndex": i + 1, "_ref": fmt.Sprintf("/testcasestep/%d", i+1)}
	}
	return out
}

func TestService_CreateTestCaseStep(t *testing.T) {
	newClient := func() *fakeClient {
		return &fakeClient{
			query: func(req QueryRequest) ([]Record, error) {
				switch req.Type {
				case TypeTestCase:
					if strings.Contains(req.Query.String(), "TC404") {
						return nil, nil
					}
					return []Record{{"ObjectID": "42", "FormattedID": "TC42", "_ref": "/testcase/42"}}, nil
				case TypeTestCaseStep:
					return stepsFixture(3), nil
				}
				return nil, nil
			},
			create: func(typ string, data map[string]any) (Record, error) {
				return Record{"ObjectID": "9", "StepIndex": data["StepIndex"], "Input": data["Input"]}, nil
			},
		}
	}

	t.Run("insert shifts highest first", func(t *testing.T) {
		fc := newClient()
		out, err := newTestService(fc).CreateTestCaseStep(context.Background(), StepCreate{
			TestCaseID: "TC42", Input: "new", ExpectedResult: "ok", Order: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, out.Step.StepIndex)
		assert.Equal(t, 2, out.ShiftedSteps)

		updates := fc.ops("update")
		require.Len(t, updates, 2)
		assert.Equal(t, "/testcasestep/3", updates[0].Ref)
		assert.Equal(t, 4, updates[0].Data["StepIndex"])
		assert.Equal(t, "/testcasestep/2", updates[1].Ref)
		assert.Equal(t, 3, updates[1].Data["StepIndex"])
		assert.Equal(t, "/testcase/42", fc.ops("create")[0].Data["TestCase"])
	})

	t.Run("no order appends", func(t *testing.T) {
		fc := newClient()
		out, err := newTestService(fc).CreateTestCaseStep(context.Background(), StepCreate{
			TestCaseID: "42", Input: "new", ExpectedResult: "ok",
		})
		require.NoError(t, err)
		assert.Equal(t, 4, out.Step.StepIndex)
		assert.Empty(t, fc.ops("update"))
	})

	t.Run("unknown test case", func(t *testing.T) {
		fc := newClient()
		_, err := newTestService(fc).CreateTestCaseStep(context.Background(), StepCreate{
			TestCaseID: "TC404", Input: "new", ExpectedResult: "ok",
		})
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Empty(t, fc.ops("update"))
		assert.Empty(t, fc.ops("create"))
	})

	t.Run("missing input", func(t *testing.T) {
		fc := newClient()
		_, err := newTestService(fc).CreateTestCaseStep(context.Background(), StepCreate{TestCaseID: "42"})
		require.EqualError(t, err, "Input and ExpectedResult are required")
		assert.Empty(t, fc.calls)
	})
}

func TestService_UpdateTestCaseStep(t *testing.T) {
	fc := &fakeClient{query: func(req QueryRequest) ([]Record, error) {
		switch req.Type {
		case TypeTestCase:
			return []Record{{"ObjectID": "42"}}, nil
		case TypeTestCaseStep:
			return []Record{{"ObjectID": "7", "StepIndex": 2, "_ref": "/testcasestep/7"}}, nil
		}
		return nil, nil
	}}
	svc := newTestService(fc)
	ctx := context.Background()
	input := "click save"

	_, err := svc.UpdateTestCaseStep(ctx, StepLocator{}, StepUpdate{Input: &input})
	require.EqualError(t, err, "Either stepId OR (testCaseId + stepIndex) must be provided")

	_, err = svc.UpdateTestCaseStep(ctx, StepLocator{StepID: "7", TestCaseID: "42", StepIndex: 2}, StepUpdate{Input: &input})
	require.Error(t, err)

	_, err = svc.UpdateTestCaseStep(ctx, StepLocator{TestCaseID: "42"}, StepUpdate{Input: &input})
	require.EqualError(t, err, "Either stepId OR (testCaseId + stepIndex) must be provided")

	_, err = svc.UpdateTestCaseStep(ctx, StepLocator{StepID: "7", TestCaseID: "42"}, StepUpdate{Input: &input})
	require.EqualError(t, err, "Either stepId OR (testCaseId + stepIndex) must be provided")

	_, err = svc.UpdateTestCaseStep(ctx, StepLocator{StepID: "7"}, StepUpdate{})
	require.Error(t, err)
	assert.Empty(t, fc.calls)

	_, err = svc.UpdateTestCaseStep(ctx, StepLocator{TestCaseID: "42", StepIndex: 2}, StepUpdate{Input: &input})
	require.NoError(t, err)
	updates := fc.ops("update")
	require.Len(t, updates, 1)
	assert.Equal(t, "/testcasestep/7", updates[0].Ref)
	assert.Equal(t, map[string]any{"Input": "click save"}, updates[0].Data)

	queries := fc.ops("query")
	assert.Equal(t, "((TestCase = /testcase/42) AND (StepIndex = 2))", queries[len(queries)-1].Query)
}

func TestService_UpdateTestCaseStep_NotFound(t *testing.T) {
	steps := []Record{
		{"ObjectID": "7", "StepIndex": 9, "_ref": "/testcasestep/7"},
		{"ObjectID": "8", "StepIndex": 9, "_ref": "/testcasestep/8"},
	}
	for _, tt := range []struct {
		name  string
		found []Record
	}{
		{name: "no match", found: nil},
		{name: "ambiguous match", found: steps},
	} {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeClient{query: func(req QueryRequest) ([]Record, error) {
				if req.Type == TypeTestCase {
					return []Record{{"ObjectID": "42"}}, nil
				}
				return tt.found, nil
			}}
			svc := newTestService(fc)
			input := "click save"

			_, err := svc.UpdateTestCaseStep(context.Background(), StepLocator{TestCaseID: "42", StepIndex: 9}, StepUpdate{Input: &input})
			var nf *NotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, "Test case step not found: step 9 of test case 42", err.Error())
			assert.Empty(t, fc.ops("update"))
		})
	}
}

func TestService_UpdateTask(t *testing.T) {
	fc := &fakeClient{}
	svc := newTestService(fc)
	ctx := context.Background()

	_, err := svc.UpdateTask(ctx, "", map[string]any{"State": "Completed"})
	require.EqualError(t, err, "taskRef is required")
	_, err = svc.UpdateTask(ctx, "12", map[string]any{})
	require.EqualError(t, err, "updates must be a non-empty object")
	_, err = svc.UpdateTask(ctx, "/defect/12", map[string]any{"State": "Completed"})
	require.Error(t, err)
	assert.Empty(t, fc.calls)

	_, err = svc.UpdateTask(ctx, "12", map[string]any{"State": "Completed"})
	require.NoError(t, err)
	assert.Equal(t, "/task/12", fc.ops("update")[0].Ref)
}

func TestService_CreateTasks(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"Project":     "/project/1",
			"WorkProduct": "/hierarchicalrequirement/2",
			"Name":        "write tests",
			"Description": "all of them",
		}
	}

	fc := &fakeClient{}
	svc := newTestService(fc)

	bad := valid()
	delete(bad, "Description")
	_, err := svc.CreateTasks(context.Background(), []map[string]any{valid(), bad})
	require.EqualError(t, err, "Task at index 1 is missing required fields: Description")

	bad = valid()
	bad["WorkProduct"] = "/defect/2"
	_, err = svc.CreateTasks(context.Background(), []map[string]any{bad})
	require.EqualError(t, err, "Task at index 0 has invalid WorkProduct reference: /defect/2")
	assert.Empty(t, fc.calls)

	created, err := svc.CreateTasks(context.Background(), []map[string]any{valid(), valid(), valid()})
	require.NoError(t, err)
	assert.Len(t, created, 3)
	assert.Len(t, fc.ops("create"), 3)
}

func TestService_Bootstrap(t *testing.T) {
	fc := &fakeClient{query: func(req QueryRequest) ([]Record, error) {
		switch req.Type {
		case TypeProject:
			return []Record{{"ObjectID": "500", "Name": "CSBD"}}, nil
		case TypeUserStory:
			return []Record{{"ObjectID": "1", "Owner": map[string]any{"_refObjectName": "Jane Doe"}}}, nil
		case TypeUser:
			return []Record{{"ObjectID": "3", "DisplayName": "Jane Doe"}}, nil
		}
		return nil, nil
	}}
	svc := NewService(fc, nil, Options{})

	require.NoError(t, svc.Bootstrap(context.Background(), "CSBD"))
	assert.Equal(t, "/project/500", svc.Store().DefaultProjectRef())
	require.NotNil(t, svc.Store().CurrentUser())
	assert.Equal(t, "3", svc.Store().CurrentUser().ObjectID)

	queries := fc.ops("query")
	assert.Equal(t, "((Owner = currentuser) AND (Project = /project/500))", queries[1].Query)
}

func TestService_Bootstrap_MissingProject(t *testing.T) {
	svc := NewService(&fakeClient{}, nil, Options{})
	err := svc.Bootstrap(context.Background(), "Nope")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Nil(t, svc.Store().DefaultProject())
}

func TestService_Bootstrap_UserNotFatal(t *testing.T) {
	fc := &fakeClient{query: func(req QueryRequest) ([]Record, error) {
		if req.Type == TypeProject {
			return []Record{{"ObjectID": "500", "Name": "CSBD"}}, nil
		}
		return nil, errors.New("forbidden")
	}}
	svc := NewService(fc, nil, Options{})
	require.NoError(t, svc.Bootstrap(context.Background(), "CSBD"))
	assert.Nil(t, svc.Store().CurrentUser())
}
