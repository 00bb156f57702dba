package rally

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"
)

var (
	createdFetch = []string{"ObjectID", "FormattedID", "Name"}
	formattedID  = regexp.MustCompile(`^[A-Za-z]+\d+$`)
)

// UserStoryInput is the payload of createUserStory.
type UserStoryInput struct {
	Project     string         `json:"Project"`
	Name        string         `json:"Name"`
	Description string         `json:"Description"`
	Iteration   string         `json:"Iteration,omitempty"`
	Owner       string         `json:"Owner,omitempty"`
	Extra       map[string]any `json:"-"`
}

func (s *Service) CreateUserStory(ctx context.Context, in UserStoryInput) (Created, error) {
	if missing := missingFields(map[string]string{
		"Project":     in.Project,
		"Name":        in.Name,
		"Description": in.Description,
	}, "Project", "Name", "Description"); len(missing) > 0 {
		return Created{}, invalidf("User story is missing required fields: %s", strings.Join(missing, ", "))
	}
	if !HasRefPrefix(in.Project, TypeProject) {
		return Created{}, invalidf("Invalid Project reference '%s': must start with /project/", in.Project)
	}
	if in.Iteration != "" && !HasRefPrefix(in.Iteration, TypeIteration) {
		return Created{}, invalidf("Invalid Iteration reference '%s': must start with /iteration/", in.Iteration)
	}

	data := map[string]any{}
	for k, v := range in.Extra {
		data[k] = v
	}
	data["Project"] = in.Project
	data["Name"] = in.Name
	data["Description"] = in.Description
	if in.Iteration != "" {
		data["Iteration"] = in.Iteration
	}
	if in.Owner != "" {
		data["Owner"] = EnsureRef(in.Owner, TypeUser)
	}

	obj, err := s.client.Create(ctx, TypeUserStory, data, createdFetch)
	if err != nil {
		return Created{}, err
	}
	created := newCreated(obj)
	slog.Info("user story created", "formatted_id", created.FormattedID, "ref", created.Ref)
	return created, nil
}

// CreateDefect creates a defect from arbitrary fields; only Name is required.
// Relation fields given as bare ObjectIDs are turned into references and the
// default project is used when none is given.
func (s *Service) CreateDefect(ctx context.Context, fields map[string]any) (Created, error) {
	if strings.TrimSpace(stringField(fields, "Name")) == "" {
		return Created{}, invalidf("Defect Name is required")
	}

	data := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	for field, typ := range map[string]string{"Project": TypeProject, "Owner": TypeUser, "Iteration": TypeIteration} {
		if v := stringField(data, field); v != "" {
			data[field] = EnsureRef(v, typ)
		}
	}
	if _, ok := data["Project"]; !ok {
		if ref := s.store.DefaultProjectRef(); ref != "" {
			data["Project"] = ref
		}
	}

	obj, err := s.client.Create(ctx, TypeDefect, data, createdFetch)
	if err != nil {
		return Created{}, err
	}
	created := newCreated(obj)
	slog.Info("defect created", "formatted_id", created.FormattedID, "ref", created.Ref)
	return created, nil
}

// UpdateDefect applies a partial update to a defect given by ObjectID or reference.
func (s *Service) UpdateDefect(ctx context.Context, defect string, updates map[string]any) (Defect, error) {
	ref := EnsureRef(defect, TypeDefect)
	if ref == "" {
		return Defect{}, invalidf("defectRef is required")
	}
	if !HasRefPrefix(ref, TypeDefect) {
		return Defect{}, invalidf("Invalid defectRef '%s': must be a valid defect reference or ObjectID", defect)
	}
	if len(updates) == 0 {
		return Defect{}, invalidf("updates must be a non-empty object")
	}

	obj, err := s.client.Update(ctx, ref, updates, defectFetch)
	if err != nil {
		return Defect{}, err
	}
	slog.Info("defect updated", "ref", ref)
	return NormalizeDefect(obj), nil
}

// StepInput is one step of a new test case.
type StepInput struct {
	Input          string `json:"Input"`
	ExpectedResult string `json:"ExpectedResult"`
}

// TestCaseInput is the payload of createTestCase. UserStory is the legacy
// name of WorkProduct; WorkProduct wins when both are set.
type TestCaseInput struct {
	Name          string         `json:"Name"`
	Description   string         `json:"Description,omitempty"`
	WorkProduct   string         `json:"WorkProduct,omitempty"`
	UserStory     string         `json:"UserStory,omitempty"`
	Project       string         `json:"Project,omitempty"`
	Iteration     string         `json:"Iteration,omitempty"`
	Owner         string         `json:"Owner,omitempty"`
	TestFolder    string         `json:"TestFolder,omitempty"`
	Objective     string         `json:"Objective,omitempty"`
	PreConditions string         `json:"PreConditions,omitempty"`
	Type          string         `json:"Type,omitempty"`
	Priority      string         `json:"Priority,omitempty"`
	Steps         []StepInput    `json:"Steps,omitempty"`
	Extra         map[string]any `json:"-"`
}

// CreatedTestCase is the result of createTestCase.
type CreatedTestCase struct {
	TestCase   Created        `json:"TestCase"`
	Steps      []TestCaseStep `json:"Steps"`
	TotalSteps int            `json:"TotalSteps"`
}

// CreateTestCase creates a test case linked to a story or defect, then its
// steps in parallel. Steps are not created atomically: when one fails the
// call fails, but the test case and any steps already created remain.
func (s *Service) CreateTestCase(ctx context.Context, in TestCaseInput) (CreatedTestCase, error) {
	workProduct := strings.TrimSpace(in.WorkProduct)
	if workProduct == "" {
		workProduct = strings.TrimSpace(in.UserStory)
	}
	project := strings.TrimSpace(in.Project)
	if project == "" {
		project = s.store.DefaultProjectRef()
	}

	missing := missingFields(map[string]string{
		"Name":       in.Name,
		"Project":    project,
		"TestFolder": in.TestFolder,
	}, "Name", "Project", "TestFolder")
	if workProduct == "" {
		missing = append(missing, "WorkProduct (or UserStory for backward compatibility)")
	}
	if len(missing) > 0 {
		return CreatedTestCase{}, invalidf("Test case is missing required fields: %s", strings.Join(missing, ", "))
	}
	if !HasRefPrefix(workProduct, TypeUserStory) && !HasRefPrefix(workProduct, TypeDefect) {
		return CreatedTestCase{}, invalidf("Invalid WorkProduct reference '%s': must start with /hierarchicalrequirement/ or /defect/", workProduct)
	}
	for i, step := range in.Steps {
		if strings.TrimSpace(step.Input) == "" || strings.TrimSpace(step.ExpectedResult) == "" {
			return CreatedTestCase{}, invalidf("Step %d is missing required fields: Input and ExpectedResult", i+1)
		}
	}
	if in.Owner == "" {
		slog.Warn("creating test case without owner", "name", in.Name)
	}

	data := map[string]any{}
	for k, v := range in.Extra {
		data[k] = v
	}
	data["Name"] = in.Name
	data["Description"] = in.Description
	data["WorkProduct"] = workProduct
	data["Project"] = EnsureRef(project, TypeProject)
	data["TestFolder"] = EnsureRef(in.TestFolder, TypeTestFolder)
	data["Objective"] = firstNonEmpty(in.Objective, in.Name)
	data["Type"] = firstNonEmpty(in.Type, "Acceptance")
	data["Priority"] = firstNonEmpty(in.Priority, "Useful")
	if in.PreConditions != "" {
		data["PreConditions"] = in.PreConditions
	}
	if in.Iteration != "" {
		data["Iteration"] = EnsureRef(in.Iteration, TypeIteration)
	}
	if in.Owner != "" {
		data["Owner"] = EnsureRef(in.Owner, TypeUser)
	}

	obj, err := s.client.Create(ctx, TypeTestCase, data, createdFetch)
	if err != nil {
		return CreatedTestCase{}, err
	}
	tc := newCreated(obj)
	if tc.Ref == "" {
		tc.Ref = obj.RefOf(TypeTestCase)
	}
	slog.Info("test case created", "formatted_id", tc.FormattedID, "ref", tc.Ref, "steps", len(in.Steps))

	steps := make([]TestCaseStep, len(in.Steps))
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range in.Steps {
		g.Go(func() error {
			created, err := s.client.Create(gctx, TypeTestCaseStep, map[string]any{
				"TestCase":       tc.Ref,
				"StepIndex":      i + 1,
				"Input":          step.Input,
				"ExpectedResult": step.ExpectedResult,
			}, stepFetch)
			if err != nil {
				return fmt.Errorf("cannot create step %d of %s: %w", i+1, tc.FormattedID, err)
			}
			steps[i] = NormalizeTestCaseStep(created)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CreatedTestCase{}, err
	}

	return CreatedTestCase{TestCase: tc, Steps: steps, TotalSteps: len(steps)}, nil
}

// StepCreate is the payload of createTestCaseStep. Order is the 1-based
// position to insert at; 0 appends.
type StepCreate struct {
	TestCaseID     string
	Input          string
	ExpectedResult string
	Order          int
}

// CreatedStep reports the new step and how many existing steps moved.
type CreatedStep struct {
	Step         TestCaseStep `json:"Step"`
	ShiftedSteps int          `json:"ShiftedSteps"`
}

// CreateTestCaseStep inserts a step at the requested position, moving the
// steps at and after it up by one first.
func (s *Service) CreateTestCaseStep(ctx context.Context, in StepCreate) (CreatedStep, error) {
	if strings.TrimSpace(in.TestCaseID) == "" {
		return CreatedStep{}, invalidf("testCaseId is required")
	}
	if strings.TrimSpace(in.Input) == "" || strings.TrimSpace(in.ExpectedResult) == "" {
		return CreatedStep{}, invalidf("Input and ExpectedResult are required")
	}

	tc, err := s.findTestCase(ctx, in.TestCaseID)
	if err != nil {
		return CreatedStep{}, err
	}
	tcRef := tc.RefOf(TypeTestCase)
	existing, err := s.stepsOf(ctx, tcRef)
	if err != nil {
		return CreatedStep{}, err
	}

	plan := PlanInsert(existing, in.Order)
	for _, shift := range plan.Shifts {
		if _, err := s.client.Update(ctx, shift.Ref, map[string]any{"StepIndex": shift.To}, nil); err != nil {
			return CreatedStep{}, fmt.Errorf("cannot move step %d to %d: %w", shift.From, shift.To, err)
		}
	}

	obj, err := s.client.Create(ctx, TypeTestCaseStep, map[string]any{
		"TestCase":       tcRef,
		"StepIndex":      plan.FinalIndex,
		"Input":          in.Input,
		"ExpectedResult": in.ExpectedResult,
	}, stepFetch)
	if err != nil {
		return CreatedStep{}, err
	}
	slog.Info("test case step created", "test_case", tc.String("FormattedID"), "step_index", plan.FinalIndex, "shifted", len(plan.Shifts))
	return CreatedStep{Step: NormalizeTestCaseStep(obj), ShiftedSteps: len(plan.Shifts)}, nil
}

// StepLocator identifies a step either by its own id or by test case and index.
type StepLocator struct {
	StepID     string
	TestCaseID string
	StepIndex  int
}

// StepUpdate holds the fields to change; nil fields are left untouched.
type StepUpdate struct {
	Input          *string
	ExpectedResult *string
}

// UpdateTestCaseStep sends only the provided fields to the located step.
func (s *Service) UpdateTestCaseStep(ctx context.Context, loc StepLocator, upd StepUpdate) (TestCaseStep, error) {
	byID := strings.TrimSpace(loc.StepID) != ""
	hasTestCase := strings.TrimSpace(loc.TestCaseID) != ""
	byIndex := hasTestCase && loc.StepIndex > 0
	// a testCaseId is only meaningful together with a stepIndex
	if byID == byIndex || (hasTestCase && !byIndex) {
		return TestCaseStep{}, invalidf("Either stepId OR (testCaseId + stepIndex) must be provided")
	}
	if upd.Input == nil && upd.ExpectedResult == nil {
		return TestCaseStep{}, invalidf("At least one field to update (Input or ExpectedResult) must be provided")
	}

	var q Query
	var key string
	if byID {
		id, err := ParseObjectID(RefID(loc.StepID))
		if err != nil {
			return TestCaseStep{}, err
		}
		q = Where{Field: "ObjectID", Operator: OpEquals, Value: id}
		key = loc.StepID
	} else {
		tc, err := s.findTestCase(ctx, loc.TestCaseID)
		if err != nil {
			return TestCaseStep{}, err
		}
		q = Conjoin(
			Where{Field: "TestCase", Operator: OpEquals, Value: tc.RefOf(TypeTestCase)},
			Where{Field: "StepIndex", Operator: OpEquals, Value: loc.StepIndex},
		)
		key = fmt.Sprintf("step %d of test case %s", loc.StepIndex, loc.TestCaseID)
	}

	records, err := s.client.Query(ctx, QueryRequest{Type: TypeTestCaseStep, Fetch: stepFetch, Query: q})
	if err != nil {
		return TestCaseStep{}, err
	}
	if len(records) != 1 {
		return TestCaseStep{}, &NotFoundError{Entity: "Test case step", Key: key}
	}
	step := NormalizeTestCaseStep(records[0])

	data := map[string]any{}
	if upd.Input != nil {
		data["Input"] = *upd.Input
	}
	if upd.ExpectedResult != nil {
		data["ExpectedResult"] = *upd.ExpectedResult
	}

	obj, err := s.client.Update(ctx, step.Ref, data, stepFetch)
	if err != nil {
		return TestCaseStep{}, err
	}
	slog.Info("test case step updated", "ref", step.Ref, "fields", len(data))
	return NormalizeTestCaseStep(obj), nil
}

// findTestCase resolves an ObjectID, /testcase/ reference or FormattedID.
func (s *Service) findTestCase(ctx context.Context, id string) (Record, error) {
	id = strings.TrimSpace(id)
	var q Query
	switch {
	case formattedID.MatchString(id):
		q = Where{Field: "FormattedID", Operator: OpEquals, Value: strings.ToUpper(id)}
	default:
		oid, err := ParseObjectID(RefID(id))
		if err != nil {
			return nil, err
		}
		q = Where{Field: "ObjectID", Operator: OpEquals, Value: oid}
	}

	records, err := s.client.Query(ctx, QueryRequest{Type: TypeTestCase, Fetch: createdFetch, Query: q, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &NotFoundError{Entity: "Test case", Key: id}
	}
	return records[0], nil
}

// UpdateTask applies a partial update to a task given by ObjectID or reference.
func (s *Service) UpdateTask(ctx context.Context, task string, updates map[string]any) (Task, error) {
	if strings.TrimSpace(task) == "" {
		return Task{}, invalidf("taskRef is required")
	}
	if len(updates) == 0 {
		return Task{}, invalidf("updates must be a non-empty object")
	}
	ref := EnsureRef(task, TypeTask)
	if !HasRefPrefix(ref, TypeTask) {
		return Task{}, invalidf("Invalid taskRef '%s': must be a valid task reference or ObjectID", task)
	}

	obj, err := s.client.Update(ctx, ref, updates, taskFetch)
	if err != nil {
		return Task{}, err
	}
	updated := NormalizeTask(obj)
	s.store.Tasks.Upsert(updated)
	slog.Info("task updated", "ref", ref)
	return updated, nil
}

var taskRequired = []string{"Project", "WorkProduct", "Name", "Description"}

// CreateTasks validates every task, then creates them in parallel. Any
// failure fails the batch; tasks already created remain in Rally.
func (s *Service) CreateTasks(ctx context.Context, tasks []map[string]any) ([]Created, error) {
	if len(tasks) == 0 {
		return nil, invalidf("tasks must be a non-empty array")
	}
	for i, task := range tasks {
		values := map[string]string{}
		for _, f := range taskRequired {
			values[f] = stringField(task, f)
		}
		if missing := missingFields(values, taskRequired...); len(missing) > 0 {
			return nil, invalidf("Task at index %d is missing required fields: %s", i, strings.Join(missing, ", "))
		}
		if !HasRefPrefix(values["Project"], TypeProject) {
			return nil, invalidf("Task at index %d has invalid Project reference: %s", i, values["Project"])
		}
		if !HasRefPrefix(values["WorkProduct"], TypeUserStory) {
			return nil, invalidf("Task at index %d has invalid WorkProduct reference: %s", i, values["WorkProduct"])
		}
	}

	created := make([]Created, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			obj, err := s.client.Create(gctx, TypeTask, task, createdFetch)
			if err != nil {
				return fmt.Errorf("cannot create task at index %d: %w", i, err)
			}
			created[i] = newCreated(obj)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slog.Info("tasks created", "count", len(created))
	return created, nil
}

func missingFields(values map[string]string, order ...string) []string {
	var missing []string
	for _, f := range order {
		if strings.TrimSpace(values[f]) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	return scalarString(m[key])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
