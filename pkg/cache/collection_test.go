package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type project struct {
	ID    string
	Name  string
	State string
}

func newProjects() *Collection[project] {
	return New("projects",
		func(p project) string { return p.ID },
		func(p project) map[string]string {
			return map[string]string{"ObjectID": p.ID, "Name": p.Name, "State": p.State}
		},
	)
}

func TestCollection_Upsert(t *testing.T) {
	c := newProjects()
	c.Upsert(project{ID: "1", Name: "A"}, project{ID: "2", Name: "B"})
	c.Upsert(project{ID: "1", Name: "A2"}, project{ID: "3", Name: "C"})

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []project{{ID: "1", Name: "A2"}, {ID: "2", Name: "B"}, {ID: "3", Name: "C"}}, c.All())
	assert.Empty(t, c.Match(map[string]string{"Name": "A"}))
	assert.Len(t, c.Match(map[string]string{"Name": "A2"}), 1)
}

func TestCollection_MatchIsExact(t *testing.T) {
	c := newProjects()
	c.Upsert(
		project{ID: "1", Name: "CSBD", State: "Open"},
		project{ID: "2", Name: "CSBD Mobile", State: "Open"},
		project{ID: "3", Name: "Other", State: "Closed"},
	)

	tests := []struct {
		name     string
		filter   map[string]string
		expected []string
	}{
		{name: "exact name", filter: map[string]string{"Name": "CSBD"}, expected: []string{"1"}},
		{name: "substring is not a match", filter: map[string]string{"Name": "CSB"}, expected: nil},
		{name: "all keys must match", filter: map[string]string{"Name": "CSBD", "State": "Closed"}, expected: nil},
		{name: "shared value", filter: map[string]string{"State": "Open"}, expected: []string{"1", "2"}},
		{name: "unknown key", filter: map[string]string{"Owner": "x"}, expected: nil},
		{name: "empty filter", filter: map[string]string{}, expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, p := range c.Match(tt.filter) {
				ids = append(ids, p.ID)
			}
			assert.Equal(t, tt.expected, ids)
		})
	}
}

func TestReadThrough_MissThenHit(t *testing.T) {
	c := newProjects()
	calls := 0
	fetch := func(ctx context.Context) ([]project, error) {
		calls++
		return []project{{ID: "42", Name: "CSBD"}}, nil
	}
	filter := map[string]string{"Name": "CSBD"}

	first, err := ReadThrough(context.Background(), c, filter, fetch)
	require.NoError(t, err)
	assert.Equal(t, SourceAPI, first.Source)
	assert.Equal(t, 1, first.Count)
	assert.Equal(t, 1, c.Len())

	second, err := ReadThrough(context.Background(), c, filter, fetch)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, []project{{ID: "42", Name: "CSBD"}}, second.Entities)
	assert.Equal(t, 1, calls)
}

func TestReadThrough_EmptyFilterAlwaysFetches(t *testing.T) {
	c := newProjects()
	c.Upsert(project{ID: "1", Name: "A"})
	calls := 0
	fetch := func(ctx context.Context) ([]project, error) {
		calls++
		return []project{{ID: "1", Name: "A"}}, nil
	}

	res, err := ReadThrough(context.Background(), c, nil, fetch)
	require.NoError(t, err)
	assert.Equal(t, SourceAPI, res.Source)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, c.Len())
}

func TestReadThrough_EmptyRemoteResultLeavesCache(t *testing.T) {
	c := newProjects()
	c.Upsert(project{ID: "1", Name: "A"})

	res, err := ReadThrough(context.Background(), c, map[string]string{"Name": "missing"}, func(ctx context.Context) ([]project, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Result[project]{Entities: []project{}, Source: SourceAPI, Count: 0}, res)
	assert.Equal(t, 1, c.Len())
}

func TestReadThrough_FetchError(t *testing.T) {
	c := newProjects()
	_, err := ReadThrough(context.Background(), c, map[string]string{"Name": "x"}, func(ctx context.Context) ([]project, error) {
		return nil, errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 0, c.Len())
}
