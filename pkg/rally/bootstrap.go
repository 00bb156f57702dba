package rally

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Bootstrap resolves the default project by name and, when possible, the
// current user. A missing project is fatal; an unresolved user is not.
func (s *Service) Bootstrap(ctx context.Context, projectName string) error {
	projectName = strings.TrimSpace(projectName)
	if projectName == "" {
		return invalidf("default project name is required")
	}

	records, err := s.client.Query(ctx, QueryRequest{
		Type:  TypeProject,
		Fetch: projectFetch,
		Query: Where{Field: "Name", Operator: OpEquals, Value: projectName},
		Limit: 1,
	})
	if err != nil {
		return fmt.Errorf("cannot load default project %q: %w", projectName, err)
	}
	if len(records) == 0 {
		return &NotFoundError{Entity: "Default project", Key: projectName}
	}
	project := NormalizeProject(records[0])
	if project.Ref == "" {
		project.Ref = Ref(TypeProject, project.ObjectID)
	}
	s.store.SetDefaultProject(&project)
	s.store.Projects.Upsert(project)
	slog.Info("default project loaded", "name", project.Name, "object_id", project.ObjectID)

	user, err := s.resolveCurrentUser(ctx)
	if err != nil {
		slog.Warn("cannot resolve current user", "error", err)
		return nil
	}
	s.store.SetCurrentUser(user)
	s.store.Users.Upsert(*user)
	slog.Info("current user resolved", "display_name", user.DisplayName)
	return nil
}

// resolveCurrentUser finds a story owned by the API key's user in the default
// project and looks its owner up by display name.
func (s *Service) resolveCurrentUser(ctx context.Context) (*User, error) {
	stories, err := s.client.Query(ctx, QueryRequest{
		Type:  TypeUserStory,
		Fetch: []string{"ObjectID", "Owner"},
		Query: ScopeToProject(Where{Field: "Owner", Operator: OpEquals, Value: CurrentUser}, s.store.DefaultProjectRef()),
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(stories) == 0 {
		return nil, &NotFoundError{Entity: "User story owned by current user"}
	}
	name, ok := stories[0].RefName("Owner")
	if !ok || name == "" {
		return nil, &NotFoundError{Entity: "Owner of user story", Key: stories[0].ID()}
	}

	users, err := s.client.Query(ctx, QueryRequest{
		Type:  TypeUser,
		Fetch: userFetch,
		Query: Where{Field: "DisplayName", Operator: OpEquals, Value: name},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, &NotFoundError{Entity: "User", Key: name}
	}
	user := NormalizeUser(users[0])
	return &user, nil
}
