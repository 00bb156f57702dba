package rally

import (
	"sync"

	"github.com/rallymcp/rally-mcp/pkg/cache"
)

// Store holds the per-entity caches and the process context records.
type Store struct {
	Projects    *cache.Collection[Project]
	Users       *cache.Collection[User]
	UserStories *cache.Collection[UserStory]
	Tasks       *cache.Collection[Task]
	TestCases   *cache.Collection[TestCase]
	TestFolders *cache.Collection[TestFolder]

	mu             sync.RWMutex
	defaultProject *Project
	currentUser    *User
}

func NewStore() *Store {
	return &Store{
		Projects: cache.New("projects",
			func(p Project) string { return p.ObjectID },
			func(p Project) map[string]string { return MatchFields(p) }),
		Users: cache.New("users",
			func(u User) string { return u.ObjectID },
			func(u User) map[string]string { return MatchFields(u) }),
		UserStories: cache.New("userStories",
			func(s UserStory) string { return s.ObjectID },
			func(s UserStory) map[string]string { return MatchFields(s) }),
		Tasks: cache.New("tasks",
			func(t Task) string { return t.ObjectID },
			func(t Task) map[string]string { return MatchFields(t) }),
		TestCases: cache.New("testCases",
			func(tc TestCase) string { return tc.ObjectID },
			func(tc TestCase) map[string]string { return MatchFields(tc) }),
		TestFolders: cache.New("testFolders",
			func(f TestFolder) string { return f.ObjectID },
			func(f TestFolder) map[string]string { return MatchFields(f) }),
	}
}

func (s *Store) DefaultProject() *Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultProject
}

func (s *Store) SetDefaultProject(p *Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultProject = p
}

func (s *Store) CurrentUser() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUser
}

func (s *Store) SetCurrentUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = u
}

// DefaultProjectRef returns /project/<id> of the default project, or "".
func (s *Store) DefaultProjectRef() string {
	p := s.DefaultProject()
	if p == nil || p.ObjectID == "" {
		return ""
	}
	return Ref(TypeProject, p.ObjectID)
}

// Snapshot is the serializable view of everything cached.
type Snapshot struct {
	DefaultProject *Project     `json:"defaultProject"`
	CurrentUser    *User        `json:"currentUser"`
	Projects       []Project    `json:"projects"`
	Users          []User       `json:"users"`
	UserStories    []UserStory  `json:"userStories"`
	Tasks          []Task       `json:"tasks"`
	TestCases      []TestCase   `json:"testCases"`
	TestFolders    []TestFolder `json:"testFolders"`
}

func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		DefaultProject: s.DefaultProject(),
		CurrentUser:    s.CurrentUser(),
		Projects:       s.Projects.All(),
		Users:          s.Users.All(),
		UserStories:    s.UserStories.All(),
		Tasks:          s.Tasks.All(),
		TestCases:      s.TestCases.All(),
		TestFolders:    s.TestFolders.All(),
	}
}
