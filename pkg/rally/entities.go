package rally

// Project is a Rally project reduced for display.
type Project struct {
	ObjectID       string  `json:"ObjectID"`
	Name           string  `json:"Name"`
	Description    string  `json:"Description"`
	State          string  `json:"State"`
	CreationDate   string  `json:"CreationDate"`
	LastUpdateDate string  `json:"LastUpdateDate"`
	Owner          string  `json:"Owner"`
	Parent         *string `json:"Parent"`
	ChildrenCount  int     `json:"ChildrenCount"`
	Ref            string  `json:"_ref,omitempty"`
}

type User struct {
	ObjectID     string `json:"ObjectID"`
	UserName     string `json:"UserName"`
	DisplayName  string `json:"DisplayName"`
	EmailAddress string `json:"EmailAddress"`
	FirstName    string `json:"FirstName"`
	LastName     string `json:"LastName"`
	Disabled     bool   `json:"Disabled"`
	Ref          string `json:"_ref,omitempty"`
}

// UserStory is a hierarchical requirement.
type UserStory struct {
	ObjectID          string         `json:"ObjectID"`
	FormattedID       string         `json:"FormattedID"`
	Name              string         `json:"Name"`
	Description       string         `json:"Description"`
	State             string         `json:"State"`
	PlanEstimate      *float64       `json:"PlanEstimate"`
	ToDo              *float64       `json:"ToDo"`
	Owner             string         `json:"Owner"`
	Project           *string        `json:"Project"`
	Iteration         *string        `json:"Iteration"`
	Blocked           bool           `json:"Blocked"`
	TaskEstimateTotal *float64       `json:"TaskEstimateTotal"`
	TaskStatus        string         `json:"TaskStatus"`
	TasksCount        int            `json:"TasksCount"`
	TestCasesCount    int            `json:"TestCasesCount"`
	DefectsCount      int            `json:"DefectsCount"`
	DiscussionCount   int            `json:"DiscussionCount"`
	Ref               string         `json:"_ref,omitempty"`
	Custom            map[string]any `json:"Custom,omitempty"`
}

// Task belongs to a work product, either a story or a defect.
type Task struct {
	ObjectID    string   `json:"ObjectID"`
	FormattedID string   `json:"FormattedID,omitempty"`
	Name        string   `json:"Name"`
	State       string   `json:"State"`
	Estimate    *float64 `json:"Estimate"`
	ToDo        *float64 `json:"ToDo"`
	Owner       string   `json:"Owner"`
	WorkProduct *string  `json:"WorkProduct"`
	Ref         string   `json:"_ref,omitempty"`
}

type Defect struct {
	ObjectID       string  `json:"ObjectID,omitempty"`
	FormattedID    string  `json:"FormattedID"`
	Name           string  `json:"Name"`
	State          string  `json:"State"`
	Severity       string  `json:"Severity"`
	Priority       string  `json:"Priority"`
	Description    string  `json:"Description"`
	Owner          *string `json:"Owner"`
	Project        *string `json:"Project"`
	Iteration      *string `json:"Iteration"`
	CreationDate   string  `json:"CreationDate"`
	LastUpdateDate string  `json:"LastUpdateDate"`
	Ref            string  `json:"_ref,omitempty"`
}

type TestCase struct {
	ObjectID      string         `json:"ObjectID"`
	FormattedID   string         `json:"FormattedID"`
	Name          string         `json:"Name"`
	State         string         `json:"State"`
	Description   string         `json:"Description"`
	Objective     string         `json:"Objective,omitempty"`
	PreConditions string         `json:"PreConditions,omitempty"`
	Owner         string         `json:"Owner"`
	Project       *string        `json:"Project"`
	Iteration     *string        `json:"Iteration"`
	TestFolder    *string        `json:"TestFolder"`
	WorkProduct   *string        `json:"WorkProduct,omitempty"`
	Type          string         `json:"Type,omitempty"`
	Priority      string         `json:"Priority,omitempty"`
	Ref           string         `json:"_ref,omitempty"`
	Custom        map[string]any `json:"Custom,omitempty"`
	Steps         []TestCaseStep `json:"Steps,omitempty"`
	StepsError    string         `json:"StepsError,omitempty"`
}

// TestCaseStep is one ordered step of a test case. StepIndex is 1-based and
// dense within its parent.
type TestCaseStep struct {
	ObjectID       string `json:"ObjectID,omitempty"`
	StepIndex      int    `json:"StepIndex"`
	Input          string `json:"Input"`
	ExpectedResult string `json:"ExpectedResult"`
	Ref            string `json:"_ref,omitempty"`
	TestCase       string `json:"TestCase,omitempty"`
}

type TestFolder struct {
	ObjectID       string  `json:"ObjectID"`
	FormattedID    string  `json:"FormattedID"`
	Name           string  `json:"Name"`
	Description    string  `json:"Description"`
	State          string  `json:"State"`
	Owner          *string `json:"Owner"`
	Project        *string `json:"Project"`
	Iteration      *string `json:"Iteration"`
	Parent         *string `json:"Parent"`
	ChildrenCount  int     `json:"ChildrenCount"`
	TestCasesCount int     `json:"TestCasesCount"`
	Ref            string  `json:"_ref,omitempty"`
}

type Iteration struct {
	ObjectID  string  `json:"ObjectID"`
	Name      string  `json:"Name"`
	State     string  `json:"State"`
	StartDate string  `json:"StartDate"`
	EndDate   string  `json:"EndDate"`
	Project   *string `json:"Project"`
	Ref       string  `json:"_ref,omitempty"`
}

type TypeDefinition struct {
	ObjectID    string `json:"ObjectID"`
	Name        string `json:"Name"`
	DisplayName string `json:"DisplayName"`
	ElementName string `json:"ElementName"`
	Abstract    bool   `json:"Abstract"`
	Creatable   bool   `json:"Creatable"`
	Queryable   bool   `json:"Queryable"`
	ReadOnly    bool   `json:"ReadOnly"`
	Updatable   bool   `json:"Updatable"`
}

// Created is the short form returned by create operations.
type Created struct {
	ObjectID    string `json:"ObjectID,omitempty"`
	FormattedID string `json:"FormattedID,omitempty"`
	Name        string `json:"Name,omitempty"`
	Ref         string `json:"_ref"`
}

func newCreated(r Record) Created {
	return Created{
		ObjectID:    r.ID(),
		FormattedID: r.String("FormattedID"),
		Name:        r.String("Name"),
		Ref:         r.Ref(),
	}
}
