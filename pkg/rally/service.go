package rally

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rallymcp/rally-mcp/pkg/cache"
)

// DefectLimit bounds getDefects reads.
const DefectLimit = 200

var (
	projectFetch   = []string{"ObjectID", "Name", "Description", "State", "CreationDate", "LastUpdateDate", "Owner", "Parent", "Children"}
	userFetch      = []string{"ObjectID", "UserName", "DisplayName", "EmailAddress", "FirstName", "LastName", "Disabled"}
	storyFetch     = []string{"ObjectID", "FormattedID", "Name", "Description", "Project", "Iteration", "Blocked", "TaskEstimateTotal", "ToDo", "Owner", "State", "PlanEstimate", "TaskStatus", "Tasks", "TestCases", "Defects", "Discussion"}
	taskFetch      = []string{"ObjectID", "FormattedID", "Name", "State", "Estimate", "ToDo", "Owner", "WorkProduct"}
	defectFetch    = []string{"ObjectID", "FormattedID", "Name", "State", "Severity", "Priority", "Description", "Owner", "Project", "Iteration", "CreationDate", "LastUpdateDate"}
	testCaseFetch  = []string{"ObjectID", "FormattedID", "Name", "Description", "Project", "Iteration", "Owner", "State", "TestFolder", "WorkProduct", "Objective", "PreConditions", "Type", "Priority"}
	stepFetch      = []string{"ObjectID", "StepIndex", "Input", "ExpectedResult", "TestCase"}
	folderFetch    = []string{"ObjectID", "FormattedID", "Name", "Description", "Project", "Iteration", "Owner", "State", "Parent", "Children", "TestCases"}
	iterationFetch = []string{"ObjectID", "Name", "StartDate", "EndDate", "State", "Project"}
	typeDefFetch   = []string{"ObjectID", "Name", "DisplayName", "ElementName", "Abstract", "Creatable", "Deletable", "Queryable", "ReadOnly", "Updatable"}
)

// Options tune normalization and the fields requested from Rally.
type Options struct {
	HTML HTMLOptions
	// Custom fields (c_*) fetched with stories and test cases.
	StoryCustomFields    []string
	TestCaseCustomFields []string
}

// Service implements the Rally operations exposed as tools. It reads through
// the Store and writes straight to Rally.
type Service struct {
	client Client
	store  *Store
	opts   Options
}

func NewService(client Client, store *Store, opts Options) *Service {
	if store == nil {
		store = NewStore()
	}
	return &Service{client: client, store: store, opts: opts}
}

func (s *Service) Store() *Store {
	return s.store
}

// scope adds the default project to queries that do not name a project.
func (s *Service) scope(q Query, f Filter, entity string) Query {
	if f.HasProject() {
		return q
	}
	ref := s.store.DefaultProjectRef()
	if ref == "" {
		slog.Warn("no default project, query not scoped", "entity", entity)
		return q
	}
	return ScopeToProject(q, ref)
}

func fetchAll[T any](s *Service, req QueryRequest, normalize func(Record) T) cache.Fetcher[T] {
	return func(ctx context.Context) ([]T, error) {
		records, err := s.client.Query(ctx, req)
		if err != nil {
			return nil, err
		}
		out := make([]T, 0, len(records))
		for _, r := range records {
			out = append(out, normalize(r))
		}
		return out, nil
	}
}

func (s *Service) GetProjects(ctx context.Context, f Filter) (cache.Result[Project], error) {
	q, err := BuildQuery(f)
	if err != nil {
		return cache.Result[Project]{}, err
	}
	req := QueryRequest{Type: TypeProject, Fetch: projectFetch, Query: q}
	return cache.ReadThrough(ctx, s.store.Projects, f, fetchAll(s, req, NormalizeProject))
}

func (s *Service) GetUsers(ctx context.Context, f Filter, limit int) (cache.Result[User], error) {
	q, err := BuildQuery(f)
	if err != nil {
		return cache.Result[User]{}, err
	}
	req := QueryRequest{Type: TypeUser, Fetch: userFetch, Query: q, Limit: limit}
	return cache.ReadThrough(ctx, s.store.Users, f, fetchAll(s, req, NormalizeUser))
}

func (s *Service) GetUserStories(ctx context.Context, f Filter, limit int) (cache.Result[UserStory], error) {
	q, err := BuildQuery(f)
	if err != nil {
		return cache.Result[UserStory]{}, err
	}
	req := QueryRequest{
		Type:  TypeUserStory,
		Fetch: append(append([]string{}, storyFetch...), s.opts.StoryCustomFields...),
		Query: s.scope(q, f, TypeUserStory),
		Limit: limit,
	}
	return cache.ReadThrough(ctx, s.store.UserStories, f, fetchAll(s, req, NormalizeUserStory))
}

func (s *Service) GetTasks(ctx context.Context, f Filter) (cache.Result[Task], error) {
	q, err := BuildQuery(f)
	if err != nil {
		return cache.Result[Task]{}, err
	}
	req := QueryRequest{Type: TypeTask, Fetch: taskFetch, Query: q}
	return cache.ReadThrough(ctx, s.store.Tasks, f, fetchAll(s, req, NormalizeTask))
}

func (s *Service) GetTestFolders(ctx context.Context, f Filter) (cache.Result[TestFolder], error) {
	q, err := BuildQuery(f)
	if err != nil {
		return cache.Result[TestFolder]{}, err
	}
	req := QueryRequest{Type: TypeTestFolder, Fetch: folderFetch, Query: q}
	return cache.ReadThrough(ctx, s.store.TestFolders, f, fetchAll(s, req, NormalizeTestFolder))
}

// GetTestCases reads test cases and attaches their steps when fetchSteps is
// set or exactly one test case matched. A failed step read does not fail the
// call; it is reported in StepsError.
func (s *Service) GetTestCases(ctx context.Context, f Filter, fetchSteps bool) (cache.Result[TestCase], error) {
	q, err := BuildQuery(f)
	if err != nil {
		return cache.Result[TestCase]{}, err
	}
	req := QueryRequest{
		Type:  TypeTestCase,
		Fetch: append(append([]string{}, testCaseFetch...), s.opts.TestCaseCustomFields...),
		Query: q,
	}
	normalize := func(r Record) TestCase { return NormalizeTestCase(r, s.opts.HTML) }

	res, err := cache.ReadThrough(ctx, s.store.TestCases, f, fetchAll(s, req, normalize))
	if err != nil {
		return res, err
	}
	if !fetchSteps && res.Count != 1 {
		return res, nil
	}

	withSteps := make([]TestCase, len(res.Entities))
	for i, tc := range res.Entities {
		ref := tc.Ref
		if ref == "" {
			ref = Ref(TypeTestCase, tc.ObjectID)
		}
		steps, err := s.stepsOf(ctx, ref)
		if err != nil {
			slog.Warn("cannot load test case steps", "test_case", tc.FormattedID, "error", err)
			tc.Steps = []TestCaseStep{}
			tc.StepsError = err.Error()
		} else {
			tc.Steps = steps
		}
		withSteps[i] = tc
	}
	res.Entities = withSteps
	return res, nil
}

// GetTestCaseSteps returns the steps of a test case ordered by StepIndex.
// testCase may be an ObjectID or a /testcase/ reference.
func (s *Service) GetTestCaseSteps(ctx context.Context, testCase string) ([]TestCaseStep, error) {
	testCase = strings.TrimSpace(testCase)
	if testCase == "" {
		return nil, invalidf("testCaseId is required")
	}
	ref := EnsureRef(testCase, TypeTestCase)
	if !HasRefPrefix(ref, TypeTestCase) {
		return nil, invalidf("Invalid test case reference '%s': must be an ObjectID or /testcase/ reference", testCase)
	}
	return s.stepsOf(ctx, ref)
}

func (s *Service) stepsOf(ctx context.Context, testCaseRef string) ([]TestCaseStep, error) {
	records, err := s.client.Query(ctx, QueryRequest{
		Type:  TypeTestCaseStep,
		Fetch: stepFetch,
		Query: Where{Field: "TestCase", Operator: OpEquals, Value: testCaseRef},
		Order: "StepIndex",
	})
	if err != nil {
		return nil, err
	}
	steps := make([]TestCaseStep, 0, len(records))
	for _, r := range records {
		steps = append(steps, NormalizeTestCaseStep(r))
	}
	sortSteps(steps)
	return steps, nil
}

// GetDefects reads up to DefectLimit defects of one project.
func (s *Service) GetDefects(ctx context.Context, project string, f Filter) ([]Defect, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return nil, invalidf("project is required")
	}
	merged := Filter{"Project": EnsureRef(project, TypeProject)}
	for k, v := range f {
		merged[k] = v
	}
	q, err := BuildQuery(merged)
	if err != nil {
		return nil, err
	}
	records, err := s.client.Query(ctx, QueryRequest{Type: TypeDefect, Fetch: defectFetch, Query: q, Limit: DefectLimit})
	if err != nil {
		return nil, err
	}
	defects := make([]Defect, 0, len(records))
	for _, r := range records {
		defects = append(defects, NormalizeDefect(r))
	}
	return defects, nil
}

func (s *Service) GetIterations(ctx context.Context, f Filter) ([]Iteration, error) {
	q, err := BuildQuery(f)
	if err != nil {
		return nil, err
	}
	records, err := s.client.Query(ctx, QueryRequest{
		Type:  TypeIteration,
		Fetch: iterationFetch,
		Query: s.scope(q, f, TypeIteration),
		Order: "StartDate desc",
	})
	if err != nil {
		return nil, err
	}
	iterations := make([]Iteration, 0, len(records))
	for _, r := range records {
		iterations = append(iterations, NormalizeIteration(r))
	}
	return iterations, nil
}

func (s *Service) GetTypeDefinitions(ctx context.Context, f Filter) ([]TypeDefinition, error) {
	q, err := BuildQuery(f)
	if err != nil {
		return nil, err
	}
	records, err := s.client.Query(ctx, QueryRequest{Type: TypeTypeDefinition, Fetch: typeDefFetch, Query: q})
	if err != nil {
		return nil, err
	}
	defs := make([]TypeDefinition, 0, len(records))
	for _, r := range records {
		defs = append(defs, NormalizeTypeDefinition(r))
	}
	return defs, nil
}
