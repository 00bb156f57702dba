package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rallymcp/rally-mcp/pkg/client"
	"github.com/rallymcp/rally-mcp/pkg/formatter"
	"github.com/rallymcp/rally-mcp/pkg/rally"
)

const (
	ToolGetProjects        = "getProjects"
	ToolGetUsers           = "getUsers"
	ToolGetUserStories     = "getUserStories"
	ToolGetTasks           = "getTasks"
	ToolGetTestCases       = "getTestCases"
	ToolGetTestCaseSteps   = "getTestCaseSteps"
	ToolGetDefects         = "getDefects"
	ToolGetTestFolders     = "getTestFolders"
	ToolGetIterations      = "getIterations"
	ToolGetTypeDefinition  = "getTypeDefinition"
	ToolGetCurrentDate     = "getCurrentDate"
	ToolCreateUserStory    = "createUserStory"
	ToolCreateDefect       = "createDefect"
	ToolUpdateDefect       = "updateDefect"
	ToolCreateTestCase     = "createTestCase"
	ToolCreateTestCaseStep = "createTestCaseStep"
	ToolUpdateTestCaseStep = "updateTestCaseStep"
	ToolUpdateTask         = "updateTask"
	ToolCreateTasks        = "createUserStoryTasks"
)

const filterHint = " When filtering by a related entity, always use the ObjectID of the entity instead of the name."

// ToolBuilder wires Rally operations into MCP tool handlers.
type ToolBuilder struct {
	service *rally.Service
	printer *formatter.Printer
	now     func() time.Time
}

// NewToolBuilder creates a builder bound to the provided service. A nil
// printer renders English.
func NewToolBuilder(service *rally.Service, printer *formatter.Printer) ToolBuilder {
	if printer == nil {
		printer = formatter.DefaultPrinter()
	}
	return ToolBuilder{service: service, printer: printer, now: time.Now}
}

// BuildTools constructs the requested tools in the order provided. Every
// handler is wrapped with call logging and panic recovery.
func (b ToolBuilder) BuildTools(toolNames []string) ([]mcpserver.ServerTool, error) {
	factories := map[string]func() mcpserver.ServerTool{
		ToolGetProjects:        b.buildGetProjectsTool,
		ToolGetUsers:           b.buildGetUsersTool,
		ToolGetUserStories:     b.buildGetUserStoriesTool,
		ToolGetTasks:           b.buildGetTasksTool,
		ToolGetTestCases:       b.buildGetTestCasesTool,
		ToolGetTestCaseSteps:   b.buildGetTestCaseStepsTool,
		ToolGetDefects:         b.buildGetDefectsTool,
		ToolGetTestFolders:     b.buildGetTestFoldersTool,
		ToolGetIterations:      b.buildGetIterationsTool,
		ToolGetTypeDefinition:  b.buildGetTypeDefinitionTool,
		ToolGetCurrentDate:     b.buildGetCurrentDateTool,
		ToolCreateUserStory:    b.buildCreateUserStoryTool,
		ToolCreateDefect:       b.buildCreateDefectTool,
		ToolUpdateDefect:       b.buildUpdateDefectTool,
		ToolCreateTestCase:     b.buildCreateTestCaseTool,
		ToolCreateTestCaseStep: b.buildCreateTestCaseStepTool,
		ToolUpdateTestCaseStep: b.buildUpdateTestCaseStepTool,
		ToolUpdateTask:         b.buildUpdateTaskTool,
		ToolCreateTasks:        b.buildCreateTasksTool,
	}

	var tools []mcpserver.ServerTool
	for _, name := range toolNames {
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool: %s", name)
		}
		tool := factory()
		tool.Handler = instrument(name, tool.Handler)
		tools = append(tools, tool)
	}
	return tools, nil
}

func readOnly() []mcptypes.ToolOption {
	return []mcptypes.ToolOption{
		mcptypes.WithReadOnlyHintAnnotation(true),
		mcptypes.WithOpenWorldHintAnnotation(true),
	}
}

func writes(idempotent bool) []mcptypes.ToolOption {
	return []mcptypes.ToolOption{
		mcptypes.WithReadOnlyHintAnnotation(false),
		mcptypes.WithDestructiveHintAnnotation(false),
		mcptypes.WithIdempotentHintAnnotation(idempotent),
		mcptypes.WithOpenWorldHintAnnotation(true),
	}
}

func newTool(name string, annotations []mcptypes.ToolOption, opts ...mcptypes.ToolOption) mcptypes.Tool {
	return mcptypes.NewTool(name, append(opts, annotations...)...)
}

func queryParam(description string) mcptypes.ToolOption {
	return mcptypes.WithObject("query", mcptypes.Description(description+filterHint))
}

func (b ToolBuilder) buildGetProjectsTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolGetProjects, readOnly(),
			mcptypes.WithDescription("Retrieve Rally projects. Results already cached are returned without calling Rally."),
			queryParam(`A JSON object for filtering projects. Keys are field names and values are the values to match. For example: {"Name": "CSBD"}. Name matches by substring.`),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			filter, err := filterArg(req, "query")
			if err != nil {
				return toolError(ToolGetProjects, err), nil
			}
			res, err := b.service.GetProjects(ctx, filter)
			if err != nil {
				return toolError(ToolGetProjects, err), nil
			}
			return b.summary(res.Count, "projects", string(res.Source), res)
		},
	}
}

func (b ToolBuilder) buildGetUsersTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolGetUsers, readOnly(),
			mcptypes.WithDescription("Retrieve Rally users."),
			queryParam(`A JSON object for filtering users. For example: {"DisplayName": "Marc Pla"}. DisplayName matches by substring.`),
			mcptypes.WithNumber("limit", mcptypes.Description("Maximum number of users to read from Rally")),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			filter, err := filterArg(req, "query")
			if err != nil {
				return toolError(ToolGetUsers, err), nil
			}
			res, err := b.service.GetUsers(ctx, filter, req.GetInt("limit", 0))
			if err != nil {
				return toolError(ToolGetUsers, err), nil
			}
			return b.summary(res.Count, "users", string(res.Source), res)
		},
	}
}

func (b ToolBuilder) buildGetUserStoriesTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolGetUserStories, readOnly(),
			mcptypes.WithDescription("Retrieve user stories. Without a Project filter the default project is used."),
			queryParam(`A JSON object for filtering user stories. For example: {"State": "Accepted", "Iteration.ObjectID": "12345"}.`),
			mcptypes.WithNumber("limit", mcptypes.Description("Maximum number of user stories to read from Rally")),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			filter, err := filterArg(req, "query")
			if err != nil {
				return toolError(ToolGetUserStories, err), nil
			}
			res, err := b.service.GetUserStories(ctx, filter, req.GetInt("limit", 0))
			if err != nil {
				return toolError(ToolGetUserStories, err), nil
			}
			return b.summary(res.Count, "user stories", string(res.Source), res)
		},
	}
}

func (b ToolBuilder) buildGetTasksTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolGetTasks, readOnly(),
			mcptypes.WithDescription("Retrieve tasks."),
			queryParam(`A JSON object for filtering tasks. For example: {"WorkProduct": "/hierarchicalrequirement/12345"}.`),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			filter, err := filterArg(req, "query")
			if err != nil {
				return toolError(ToolGetTasks, err), nil
			}
			res, err := b.service.GetTasks(ctx, filter)
			if err != nil {
				return toolError(ToolGetTasks, err), nil
			}
			return b.summary(res.Count, "tasks", string(res.Source), res)
		},
	}
}

func (b ToolBuilder) buildGetTestCasesTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolGetTestCases, readOnly(),
			mcptypes.WithDescription("Retrieve test cases, optionally with their steps. Steps are always included when exactly one test case matches."),
			queryParam(`A JSON object for filtering test cases. For example: {"Iteration": "/iteration/12345", "State": "Draft"}.`),
			mcptypes.WithBoolean("fetchSteps",
				mcptypes.Description("Include the steps of every test case"),
				mcptypes.DefaultBool(false),
			),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			filter, err := filterArg(req, "query")
			if err != nil {
				return toolError(ToolGetTestCases, err), nil
			}
			res, err := b.service.GetTestCases(ctx, filter, req.GetBool("fetchSteps", false))
			if err != nil {
				return toolError(ToolGetTestCases, err), nil
			}
			return b.summary(res.Count, "test cases", string(res.Source), res)
		},
	}
}

func (b ToolBuilder) buildGetTestCaseStepsTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolGetTestCaseSteps, readOnly(),
			mcptypes.WithDescription("Retrieve the steps of a test case ordered by StepIndex."),
			mcptypes.WithString("testCaseId",
				mcptypes.Description("Test case ObjectID or reference. Example: /testcase/12345"),
				mcptypes.Required(),
			),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			steps, err := b.service.GetTestCaseSteps(ctx, req.GetString("testCaseId", ""))
			if err != nil {
				return toolError(ToolGetTestCaseSteps, err), nil
			}
			payload := map[string]any{"steps": steps, "count": len(steps)}
			return b.summary(len(steps), "test case steps", "", payload)
		},
	}
}

func (b ToolBuilder) buildGetDefectsTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolGetDefects, readOnly(),
			mcptypes.WithDescription(fmt.Sprintf("Retrieve up to %d defects of a project.", rally.DefectLimit)),
			mcptypes.WithString("project",
				mcptypes.Description("Project ObjectID or reference. Example: /project/12345"),
				mcptypes.Required(),
			),
			queryParam(`A JSON object for filtering defects. For example: {"State": "Open", "Severity": "High"}.`),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			filter, err := filterArg(req, "query")
			if err != nil {
				return toolError(ToolGetDefects, err), nil
			}
			defects, err := b.service.GetDefects(ctx, req.GetString("project", ""), filter)
			if err != nil {
				return toolError(ToolGetDefects, err), nil
			}
			payload := map[string]any{"defects": defects, "count": len(defects)}
			return b.summary(len(defects), "defects", "", payload)
		},
	}
}

func (b ToolBuilder) buildGetTestFoldersTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolGetTestFolders, readOnly(),
			mcptypes.WithDescription("Retrieve test folders."),
			queryParam(`A JSON object for filtering test folders. For example: {"Project.ObjectID": "12345"}.`),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			filter, err := filterArg(req, "query")
			if err != nil {
				return toolError(ToolGetTestFolders, err), nil
			}
			res, err := b.service.GetTestFolders(ctx, filter)
			if err != nil {
				return toolError(ToolGetTestFolders, err), nil
			}
			return b.summary(res.Count, "test folders", string(res.Source), res)
		},
	}
}

func (b ToolBuilder) buildGetIterationsTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolGetIterations, readOnly(),
			mcptypes.WithDescription("Retrieve iterations (sprints), newest first. Without a Project filter the default project is used."),
			queryParam(`A JSON object for filtering iterations. For example: {"State": "Committed"}.`),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			filter, err := filterArg(req, "query")
			if err != nil {
				return toolError(ToolGetIterations, err), nil
			}
			iterations, err := b.service.GetIterations(ctx, filter)
			if err != nil {
				return toolError(ToolGetIterations, err), nil
			}
			payload := map[string]any{"iterations": iterations, "count": len(iterations)}
			return b.summary(len(iterations), "iterations", "", payload)
		},
	}
}

func (b ToolBuilder) buildGetTypeDefinitionTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolGetTypeDefinition, readOnly(),
			mcptypes.WithDescription("Retrieve Rally type definitions, e.g. to discover which fields a work item type has."),
			queryParam(`A JSON object for filtering type definitions. For example: {"ElementName": "HierarchicalRequirement"}.`),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			filter, err := filterArg(req, "query")
			if err != nil {
				return toolError(ToolGetTypeDefinition, err), nil
			}
			defs, err := b.service.GetTypeDefinitions(ctx, filter)
			if err != nil {
				return toolError(ToolGetTypeDefinition, err), nil
			}
			payload := map[string]any{"typeDefinitions": defs, "count": len(defs)}
			return b.summary(len(defs), "type definitions", "", payload)
		},
	}
}

// CurrentDate is the result of getCurrentDate.
type CurrentDate struct {
	Now             string `json:"now"`
	NowLocaleString string `json:"nowLocaleString"`
	NowISOString    string `json:"nowIsoString"`
	Timezone        string `json:"timezone"`
}

func (b ToolBuilder) buildGetCurrentDateTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolGetCurrentDate, readOnly(),
			mcptypes.WithDescription("Return the current date and time of the server, in ISO and localized form, with its time zone."),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			now := b.now()
			result := CurrentDate{
				Now:             now.Format(time.RFC3339Nano),
				NowLocaleString: b.printer.DateTime(now),
				NowISOString:    now.UTC().Format("2006-01-02T15:04:05.000Z"),
				Timezone:        now.Location().String(),
			}
			text, err := formatter.JSON(result)
			if err != nil {
				return toolError(ToolGetCurrentDate, err), nil
			}
			return mcptypes.NewToolResultStructured(result, "Current date and time:\n\n"+text), nil
		},
	}
}

func (b ToolBuilder) buildCreateUserStoryTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolCreateUserStory, writes(false),
			mcptypes.WithDescription("Create a user story in Rally."),
			mcptypes.WithObject("userStory",
				mcptypes.Description("The user story to create. Must include Project (/project/<id>), Name and Description; Iteration (/iteration/<id>) and Owner (/user/<id>) are optional."),
				mcptypes.Required(),
			),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			fields, err := objectArg(req, "userStory", true)
			if err != nil {
				return toolError(ToolCreateUserStory, err), nil
			}
			var args struct {
				UserStory rally.UserStoryInput `json:"userStory"`
			}
			if err := req.BindArguments(&args); err != nil {
				return toolError(ToolCreateUserStory, err), nil
			}
			args.UserStory.Extra = extraFields(fields, "Project", "Name", "Description", "Iteration", "Owner")

			created, err := b.service.CreateUserStory(ctx, args.UserStory)
			if err != nil {
				return toolError(ToolCreateUserStory, err), nil
			}
			return b.created("User story", created.FormattedID, created)
		},
	}
}

func (b ToolBuilder) buildCreateDefectTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolCreateDefect, writes(false),
			mcptypes.WithDescription("Create a defect in Rally. Only Name is required; the default project is used when Project is omitted."),
			mcptypes.WithObject("defect",
				mcptypes.Description(`The defect fields. Example: {"Name": "Login fails", "Severity": "Major Problem", "Owner": "/user/12345"}`),
				mcptypes.Required(),
			),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			fields, err := objectArg(req, "defect", true)
			if err != nil {
				return toolError(ToolCreateDefect, err), nil
			}
			created, err := b.service.CreateDefect(ctx, fields)
			if err != nil {
				return toolError(ToolCreateDefect, err), nil
			}
			return b.created("Defect", created.FormattedID, created)
		},
	}
}

func (b ToolBuilder) buildUpdateDefectTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolUpdateDefect, writes(true),
			mcptypes.WithDescription("Update fields of an existing defect."),
			mcptypes.WithString("defectRef",
				mcptypes.Description("Defect ObjectID or reference. Example: /defect/12345"),
				mcptypes.Required(),
			),
			mcptypes.WithObject("updates",
				mcptypes.Description(`The fields to change. Example: {"State": "Fixed"}`),
				mcptypes.Required(),
			),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			updates, err := objectArg(req, "updates", false)
			if err != nil {
				return toolError(ToolUpdateDefect, err), nil
			}
			defect, err := b.service.UpdateDefect(ctx, req.GetString("defectRef", ""), updates)
			if err != nil {
				return toolError(ToolUpdateDefect, err), nil
			}
			return b.updated("Defect", firstNonEmpty(defect.FormattedID, defect.Ref), defect)
		},
	}
}

func (b ToolBuilder) buildCreateTestCaseTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolCreateTestCase, writes(false),
			mcptypes.WithDescription("Create a test case linked to a user story or defect, together with its ordered steps."),
			mcptypes.WithObject("testCase",
				mcptypes.Description("The test case. Must include Name, TestFolder (/testfolder/<id>) and WorkProduct (/hierarchicalrequirement/<id> or /defect/<id>); UserStory is accepted in place of WorkProduct. Optional: Description, Project, Iteration, Owner, Objective, PreConditions, Type, Priority, Steps (array of {Input, ExpectedResult})."),
				mcptypes.Required(),
			),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			fields, err := objectArg(req, "testCase", true)
			if err != nil {
				return toolError(ToolCreateTestCase, err), nil
			}
			var args struct {
				TestCase rally.TestCaseInput `json:"testCase"`
			}
			if err := req.BindArguments(&args); err != nil {
				return toolError(ToolCreateTestCase, err), nil
			}
			args.TestCase.Extra = extraFields(fields, "Name", "Description", "WorkProduct", "UserStory", "Project",
				"Iteration", "Owner", "TestFolder", "Objective", "PreConditions", "Type", "Priority", "Steps")

			created, err := b.service.CreateTestCase(ctx, args.TestCase)
			if err != nil {
				return toolError(ToolCreateTestCase, err), nil
			}
			text, err := formatter.JSON(created)
			if err != nil {
				return toolError(ToolCreateTestCase, err), nil
			}
			head := fmt.Sprintf("Test case %s created with %s", created.TestCase.FormattedID, b.printer.Count(created.TotalSteps, "steps"))
			return mcptypes.NewToolResultStructured(created, head+":\n\n"+text), nil
		},
	}
}

func (b ToolBuilder) buildCreateTestCaseStepTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolCreateTestCaseStep, writes(false),
			mcptypes.WithDescription("Add a step to a test case. With Order the step is inserted at that 1-based position and later steps move down; otherwise it is appended."),
			mcptypes.WithString("testCaseId",
				mcptypes.Description("Test case ObjectID, reference or FormattedID. Example: TC123"),
				mcptypes.Required(),
			),
			mcptypes.WithString("Input", mcptypes.Description("The action of the step"), mcptypes.Required()),
			mcptypes.WithString("ExpectedResult", mcptypes.Description("The expected result of the step"), mcptypes.Required()),
			mcptypes.WithNumber("Order", mcptypes.Description("1-based position to insert at (default: append)")),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			out, err := b.service.CreateTestCaseStep(ctx, rally.StepCreate{
				TestCaseID:     req.GetString("testCaseId", ""),
				Input:          req.GetString("Input", ""),
				ExpectedResult: req.GetString("ExpectedResult", ""),
				Order:          req.GetInt("Order", 0),
			})
			if err != nil {
				return toolError(ToolCreateTestCaseStep, err), nil
			}
			text, err := formatter.JSON(out)
			if err != nil {
				return toolError(ToolCreateTestCaseStep, err), nil
			}
			head := fmt.Sprintf("Step created at index %d (%s moved)", out.Step.StepIndex, b.printer.Count(out.ShiftedSteps, "steps"))
			return mcptypes.NewToolResultStructured(out, head+":\n\n"+text), nil
		},
	}
}

func (b ToolBuilder) buildUpdateTestCaseStepTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolUpdateTestCaseStep, writes(true),
			mcptypes.WithDescription("Update the Input and/or ExpectedResult of a test case step, located either by stepId or by testCaseId plus stepIndex."),
			mcptypes.WithString("stepId", mcptypes.Description("Step ObjectID or reference")),
			mcptypes.WithString("testCaseId", mcptypes.Description("Test case ObjectID, reference or FormattedID (with stepIndex)")),
			mcptypes.WithNumber("stepIndex", mcptypes.Description("StepIndex of the step within the test case (with testCaseId)")),
			mcptypes.WithString("Input", mcptypes.Description("New action of the step")),
			mcptypes.WithString("ExpectedResult", mcptypes.Description("New expected result of the step")),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			loc := rally.StepLocator{
				StepID:     req.GetString("stepId", ""),
				TestCaseID: req.GetString("testCaseId", ""),
				StepIndex:  req.GetInt("stepIndex", 0),
			}
			upd := rally.StepUpdate{
				Input:          optionalString(req, "Input"),
				ExpectedResult: optionalString(req, "ExpectedResult"),
			}
			step, err := b.service.UpdateTestCaseStep(ctx, loc, upd)
			if err != nil {
				return toolError(ToolUpdateTestCaseStep, err), nil
			}
			return b.updated("Test case step", step.Ref, step)
		},
	}
}

func (b ToolBuilder) buildUpdateTaskTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolUpdateTask, writes(true),
			mcptypes.WithDescription("Update fields of an existing task."),
			mcptypes.WithString("taskRef",
				mcptypes.Description("Task ObjectID or reference. Example: /task/12345"),
				mcptypes.Required(),
			),
			mcptypes.WithObject("updates",
				mcptypes.Description(`The fields to change. Example: {"State": "Completed", "ToDo": 0}`),
				mcptypes.Required(),
			),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			updates, err := objectArg(req, "updates", false)
			if err != nil {
				return toolError(ToolUpdateTask, err), nil
			}
			task, err := b.service.UpdateTask(ctx, req.GetString("taskRef", ""), updates)
			if err != nil {
				return toolError(ToolUpdateTask, err), nil
			}
			return b.updated("Task", firstNonEmpty(task.FormattedID, task.Ref), task)
		},
	}
}

func (b ToolBuilder) buildCreateTasksTool() mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: newTool(ToolCreateTasks, writes(false),
			mcptypes.WithDescription("Create several tasks for user stories in one call. Each task needs Project, WorkProduct, Name and Description."),
			mcptypes.WithArray("tasks",
				mcptypes.Description("The tasks to create. Project is /project/<id>, WorkProduct is /hierarchicalrequirement/<id>."),
				mcptypes.Items(map[string]any{"type": "object"}),
				mcptypes.Required(),
			),
		),
		Handler: func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			tasks, err := objectListArg(req, "tasks")
			if err != nil {
				return toolError(ToolCreateTasks, err), nil
			}
			created, err := b.service.CreateTasks(ctx, tasks)
			if err != nil {
				return toolError(ToolCreateTasks, err), nil
			}
			payload := map[string]any{"tasks": created, "count": len(created)}
			text, err := formatter.JSON(payload)
			if err != nil {
				return toolError(ToolCreateTasks, err), nil
			}
			return mcptypes.NewToolResultStructured(payload, b.printer.Count(len(created), "tasks")+" created:\n\n"+text), nil
		},
	}
}

func (b ToolBuilder) summary(n int, noun, source string, payload any) (*mcptypes.CallToolResult, error) {
	text, err := b.printer.Summary(n, noun, source, payload)
	if err != nil {
		return mcptypes.NewToolResultErrorFromErr("cannot render result", err), nil
	}
	return mcptypes.NewToolResultStructured(payload, text), nil
}

func (b ToolBuilder) created(entity, id string, payload any) (*mcptypes.CallToolResult, error) {
	text, err := formatter.JSON(payload)
	if err != nil {
		return mcptypes.NewToolResultErrorFromErr("cannot render result", err), nil
	}
	return mcptypes.NewToolResultStructured(payload, fmt.Sprintf("%s %s created:\n\n%s", entity, id, text)), nil
}

func (b ToolBuilder) updated(entity, id string, payload any) (*mcptypes.CallToolResult, error) {
	text, err := formatter.JSON(payload)
	if err != nil {
		return mcptypes.NewToolResultErrorFromErr("cannot render result", err), nil
	}
	return mcptypes.NewToolResultStructured(payload, fmt.Sprintf("%s %s updated:\n\n%s", entity, id, text)), nil
}

// toolError reports a failure as an isError result. Messages from Rally are
// passed through unchanged.
func toolError(tool string, err error) *mcptypes.CallToolResult {
	slog.Debug("tool error", "tool", tool, "kind", errorKind(err), "error", err)
	return mcptypes.NewToolResultError(fmt.Sprintf("Error in %s: %s", tool, err.Error()))
}

// errorKind classifies an error for logging.
func errorKind(err error) string {
	var verr *rally.ValidationError
	var nf *rally.NotFoundError
	var opErr *rally.OperationError
	var apiErr *client.APIError
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &opErr), errors.As(err, &apiErr):
		return "upstream"
	}
	return "internal"
}

// filterArg reads an optional object of field/value pairs. Scalar values are
// converted to strings; nested values are rejected.
func filterArg(req mcptypes.CallToolRequest, key string) (rally.Filter, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return rally.Filter{}, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	filter := make(rally.Filter, len(obj))
	for field, value := range obj {
		switch v := value.(type) {
		case string:
			filter[field] = v
		case float64:
			filter[field] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			filter[field] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("%s.%s must be a string, number or boolean", key, field)
		}
	}
	return filter, nil
}

func objectArg(req mcptypes.CallToolRequest, key string, required bool) (map[string]any, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		if required {
			return nil, fmt.Errorf("%s is required", key)
		}
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return obj, nil
}

func objectListArg(req mcptypes.CallToolRequest, key string) ([]map[string]any, error) {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a non-empty array", key)
	}
	out := make([]map[string]any, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be an object", key, i)
		}
		out = append(out, obj)
	}
	return out, nil
}

// optionalString distinguishes an absent argument from an empty one.
func optionalString(req mcptypes.CallToolRequest, key string) *string {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil
	}
	s := fmt.Sprint(raw)
	return &s
}

// extraFields returns the entries of fields not in known, so custom fields
// reach Rally untouched.
func extraFields(fields map[string]any, known ...string) map[string]any {
	skip := make(map[string]bool, len(known))
	for _, k := range known {
		skip[k] = true
	}
	var extra map[string]any
	for k, v := range fields {
		if skip[k] {
			continue
		}
		if extra == nil {
			extra = map[string]any{}
		}
		extra[k] = v
	}
	return extra
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
