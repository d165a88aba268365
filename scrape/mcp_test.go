package scrape

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "hybridfetch-test", Version: "0.1.0"}

func mcpSession(t *testing.T, e *Engine) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	e.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func TestMCP_FetchAndStats(t *testing.T) {
	e := newTestEngine(t, execs{light: returns(article), stealth: returns(article), ultra: returns(article)}, lowRisk())
	session := mcpSession(t, e)

	text, isErr := mcpCall(t, session, "hybridfetch_fetch", map[string]any{"url": "https://example.com/a", "strategy": "stealth"})
	if isErr {
		t.Fatalf("fetch tool error: %s", text)
	}
	var res struct {
		Success      bool   `json:"success"`
		StrategyUsed string `json:"strategy_used"`
		Content      string `json:"content"`
	}
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.StrategyUsed != "stealth" || res.Content != article {
		t.Errorf("fetch result = %+v", res)
	}

	text, _ = mcpCall(t, session, "hybridfetch_stats", map[string]any{"origin": "https://www.example.com"})
	var stats struct {
		Origin   string `json:"origin"`
		Outcomes []struct {
			Strategy  string `json:"strategy"`
			Successes int    `json:"successes"`
		} `json:"outcomes"`
		Rate struct {
			TotalRequests int `json:"total_requests"`
		} `json:"rate"`
	}
	if err := json.Unmarshal([]byte(text), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Origin != "example.com" || len(stats.Outcomes) != 1 || stats.Outcomes[0].Strategy != "stealth" || stats.Rate.TotalRequests != 1 {
		t.Errorf("stats = %s", text)
	}

	text, _ = mcpCall(t, session, "hybridfetch_stats", map[string]any{})
	var list struct {
		Origins []string `json:"origins"`
	}
	json.Unmarshal([]byte(text), &list)
	if len(list.Origins) != 1 || list.Origins[0] != "example.com" {
		t.Errorf("origins = %s", text)
	}
}

func TestMCP_Profile(t *testing.T) {
	e := newTestEngine(t, execs{}, lowRisk())
	session := mcpSession(t, e)

	text, isErr := mcpCall(t, session, "hybridfetch_profile", map[string]any{"url": "https://example.com/"})
	if isErr {
		t.Fatalf("profile tool error: %s", text)
	}
	var prof struct {
		Origin      string `json:"origin"`
		Risk        string `json:"risk"`
		Recommended string `json:"recommended_strategy"`
	}
	if err := json.Unmarshal([]byte(text), &prof); err != nil {
		t.Fatal(err)
	}
	if prof.Origin != "example.com" || prof.Risk != "low" || prof.Recommended != "lightweight" {
		t.Errorf("profile = %s", text)
	}
}

func TestMCP_BadStrategyIsToolError(t *testing.T) {
	e := newTestEngine(t, execs{}, lowRisk())
	session := mcpSession(t, e)
	if _, isErr := mcpCall(t, session, "hybridfetch_fetch", map[string]any{"url": "https://example.com/", "strategy": "teleport"}); !isErr {
		t.Error("unknown strategy should be a tool error")
	}
}
