package scrape

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/hybridfetch/idgen"
	"github.com/hazyhaar/hybridfetch/kit"
)

// RegisterMCP registers the engine's tools on an MCP server.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	mw := func(name string) kit.Middleware {
		return kit.Chain(
			kit.WithRequestIDs(idgen.Prefixed("req_", idgen.Default)),
			kit.Logging(e.logger, name),
		)
	}
	e.registerFetchTool(srv, mw("hybridfetch_fetch"))
	e.registerProfileTool(srv, mw("hybridfetch_profile"))
	e.registerStatsTool(srv, mw("hybridfetch_stats"))
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- fetch ---

type fetchReq struct {
	URL      string `json:"url"`
	Strategy string `json:"strategy"`
}

func (e *Engine) registerFetchTool(srv *mcp.Server, mw kit.Middleware) {
	tool := &mcp.Tool{
		Name:        "hybridfetch_fetch",
		Description: "Fetch a URL with the lightest strategy that gets through, escalating to headless and headful Chrome as needed.",
		InputSchema: inputSchema(map[string]any{
			"url":      map[string]any{"type": "string", "description": "URL to fetch"},
			"strategy": map[string]any{"type": "string", "enum": []string{"lightweight", "stealth", "ultra_stealth"}, "description": "Start the chain at this strategy"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*fetchReq)
		var opts []FetchOption
		if r.Strategy != "" {
			id, err := ParseStrategy(r.Strategy)
			if err != nil {
				return nil, err
			}
			opts = append(opts, ForceStrategy(id))
		}
		return e.Fetch(ctx, r.URL, opts...)
	}

	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeArgs[fetchReq])
}

// --- profile ---

type profileReq struct {
	URL string `json:"url"`
}

func (e *Engine) registerProfileTool(srv *mcp.Server, mw kit.Middleware) {
	tool := &mcp.Tool{
		Name:        "hybridfetch_profile",
		Description: "Estimate how strongly a site defends against automated clients and which strategy to start with.",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Any URL of the site"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return e.Profile(ctx, req.(*profileReq).URL)
	}

	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeArgs[profileReq])
}

// --- stats ---

type statsReq struct {
	Origin string `json:"origin"`
}

type statsResp struct {
	Origin   string     `json:"origin,omitempty"`
	Outcomes []Outcome  `json:"outcomes,omitempty"`
	Rate     *RateState `json:"rate,omitempty"`
	Origins  []string   `json:"origins,omitempty"`
}

func (e *Engine) registerStatsTool(srv *mcp.Server, mw kit.Middleware) {
	tool := &mcp.Tool{
		Name:        "hybridfetch_stats",
		Description: "Show the per-strategy success ledger and rate state of an origin, or list known origins.",
		InputSchema: inputSchema(map[string]any{
			"origin": map[string]any{"type": "string", "description": "Host or URL; empty lists every origin in the ledger"},
		}, nil),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*statsReq)
		if r.Origin == "" {
			return statsResp{Origins: e.Origins()}, nil
		}
		outcomes, err := e.Stats(r.Origin)
		if err != nil {
			return nil, err
		}
		rs, err := e.RateState(r.Origin)
		if err != nil {
			return nil, fmt.Errorf("rate state: %w", err)
		}
		return statsResp{Origin: rs.Origin, Outcomes: outcomes, Rate: &rs}, nil
	}

	kit.RegisterMCPTool(srv, tool, mw(endpoint), kit.DecodeArgs[statsReq])
}
