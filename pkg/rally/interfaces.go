package rally

import "context"

// QueryRequest describes one WSAPI read.
type QueryRequest struct {
	Type  string
	Fetch []string
	Query Query
	// Limit bounds the number of records read; 0 reads every page.
	Limit int
	Order string
}

// Client defines the WSAPI operations used by the service.
type Client interface {
	Query(ctx context.Context, req QueryRequest) ([]Record, error)
	Create(ctx context.Context, typ string, data map[string]any, fetch []string) (Record, error)
	Update(ctx context.Context, ref string, data map[string]any, fetch []string) (Record, error)
}

// Ensure RallyClient implements Client.
var _ Client = (*RallyClient)(nil)
