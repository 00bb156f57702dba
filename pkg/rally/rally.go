package rally

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rallymcp/rally-mcp/pkg/client"
)

const (
	// DefaultServer is the Rally SaaS host.
	DefaultServer = "https://rally1.rallydev.com"
	servicePath   = "/slm/webservice/v2.0"

	defaultPageSize = 200
	maxPageSize     = 2000
)

// WithAPIKey authenticates every request with a Rally API key.
func WithAPIKey(apiKey string) client.Option {
	return func(c *client.Client) {
		c.SetAuth(func(r *http.Request) {
			r.Header.Set("ZSESSIONID", apiKey)
		})
	}
}

// WithIntegration identifies this integration to Rally.
func WithIntegration(name, version string) []client.Option {
	return []client.Option{
		client.WithHeader("X-RallyIntegrationName", name),
		client.WithHeader("X-RallyIntegrationVendor", name),
		client.WithHeader("X-RallyIntegrationVersion", version),
	}
}

// ServiceURL turns a Rally server address into the WSAPI base URL.
func ServiceURL(server string) string {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	if server == "" {
		server = DefaultServer
	}
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}
	if strings.Contains(server, "/slm/webservice") {
		return server
	}
	return server + servicePath
}

// RallyClient talks to the Rally Web Services API v2.0.
type RallyClient struct {
	*client.Client
}

// NewRallyClient creates a client for the given server, e.g. https://rally1.rallydev.com.
func NewRallyClient(server string, opts ...client.Option) *RallyClient {
	return &RallyClient{Client: client.New(ServiceURL(server), opts...)}
}

type queryResponse struct {
	QueryResult struct {
		Errors           []string `json:"Errors"`
		Warnings         []string `json:"Warnings"`
		TotalResultCount int      `json:"TotalResultCount"`
		StartIndex       int      `json:"StartIndex"`
		PageSize         int      `json:"PageSize"`
		Results          []Record `json:"Results"`
	} `json:"QueryResult"`
}

type createResponse struct {
	CreateResult struct {
		Errors   []string `json:"Errors"`
		Warnings []string `json:"Warnings"`
		Object   Record   `json:"Object"`
	} `json:"CreateResult"`
}

type operationResponse struct {
	OperationResult struct {
		Errors   []string `json:"Errors"`
		Warnings []string `json:"Warnings"`
		Object   Record   `json:"Object"`
	} `json:"OperationResult"`
}

// Query fetches every page of a query, or stops once Limit records are read.
func (rc *RallyClient) Query(ctx context.Context, req QueryRequest) ([]Record, error) {
	pageSize := defaultPageSize
	if req.Limit > 0 && req.Limit < maxPageSize {
		pageSize = req.Limit
	}

	params := url.Values{}
	if len(req.Fetch) > 0 {
		params.Set("fetch", strings.Join(req.Fetch, ","))
	}
	if req.Query != nil {
		params.Set("query", req.Query.String())
	}
	if req.Order != "" {
		params.Set("order", req.Order)
	}
	params.Set("pagesize", strconv.Itoa(pageSize))

	slog.Debug("rally query", "type", req.Type, "query", params.Get("query"), "limit", req.Limit)

	var results []Record
	start := 1
	for {
		params.Set("start", strconv.Itoa(start))

		var resp queryResponse
		if err := rc.Do(ctx, http.MethodGet, "/"+req.Type, params, nil, &resp); err != nil {
			return nil, fmt.Errorf("cannot query %s: %w", req.Type, err)
		}
		qr := resp.QueryResult
		if len(qr.Errors) > 0 {
			return nil, &OperationError{Operation: "query " + req.Type, Errors: qr.Errors}
		}
		for _, w := range qr.Warnings {
			slog.Debug("rally warning", "type", req.Type, "warning", w)
		}

		results = append(results, qr.Results...)
		if req.Limit > 0 && len(results) >= req.Limit {
			return results[:req.Limit], nil
		}
		start += pageSize
		if len(qr.Results) == 0 || start > qr.TotalResultCount {
			return results, nil
		}
	}
}

// Create creates an object of the given type and returns it with the fetched fields.
func (rc *RallyClient) Create(ctx context.Context, typ string, data map[string]any, fetch []string) (Record, error) {
	params := url.Values{}
	if len(fetch) > 0 {
		params.Set("fetch", strings.Join(fetch, ","))
	}

	var resp createResponse
	body := map[string]any{typ: data}
	if err := rc.Do(ctx, http.MethodPost, "/"+typ+"/create", params, body, &resp); err != nil {
		return nil, fmt.Errorf("cannot create %s: %w", typ, err)
	}
	if len(resp.CreateResult.Errors) > 0 {
		return nil, &OperationError{Operation: "create " + typ, Errors: resp.CreateResult.Errors}
	}
	slog.Debug("rally created", "type", typ, "ref", resp.CreateResult.Object.Ref())
	return resp.CreateResult.Object, nil
}

// Update applies a partial update to the object at ref, e.g. /task/123.
func (rc *RallyClient) Update(ctx context.Context, ref string, data map[string]any, fetch []string) (Record, error) {
	ref = RelativeRef(ref)
	typ := refType(ref)
	if typ == "" {
		return nil, invalidf("invalid reference '%s'", ref)
	}

	params := url.Values{}
	if len(fetch) > 0 {
		params.Set("fetch", strings.Join(fetch, ","))
	}

	var resp operationResponse
	body := map[string]any{typ: data}
	if err := rc.Do(ctx, http.MethodPost, ref, params, body, &resp); err != nil {
		return nil, fmt.Errorf("cannot update %s: %w", ref, err)
	}
	if len(resp.OperationResult.Errors) > 0 {
		return nil, &OperationError{Operation: "update " + ref, Errors: resp.OperationResult.Errors}
	}
	slog.Debug("rally updated", "ref", ref)
	return resp.OperationResult.Object, nil
}

func refType(ref string) string {
	parts := strings.Split(strings.Trim(ref, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}
