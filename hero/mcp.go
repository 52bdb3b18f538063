package hero

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/heromedia/audio"
	"github.com/hazyhaar/heromedia/kit"
)

// RegisterMCP registers the stage's control tools on an MCP server.
func (s *Stage) RegisterMCP(srv *mcp.Server) {
	s.registerStatusTool(srv)
	s.registerToggleTool(srv)
	s.registerVisibilityTool(srv)
}

type emptyReq struct{}

func (s *Stage) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "heromedia_status",
		Description: "Report hero video playback state, audio toggle and media reprocessing counters.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		return s.Snapshot(), nil
	}
	kit.RegisterMCPTool(srv, tool, kit.Logging(s.log, "status")(endpoint), kit.DecodeJSON[emptyReq]())
}

type toggleResp struct {
	Muted  bool   `json:"muted"`
	State  string `json:"state"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

func (s *Stage) registerToggleTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "heromedia_toggle_mute",
		Description: "Activate the hero audio toggle. Only allowed while the video is playing or paused.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		v, err := s.ActivateToggle()
		if err != nil {
			return nil, err
		}
		resp := toggleResp{Muted: v.State == audio.Muted, State: v.State.String(), Label: v.Label}
		if ctrl := s.Controller(); ctrl != nil {
			resp.Status = ctrl.Status().String()
		}
		return resp, nil
	}
	kit.RegisterMCPTool(srv, tool, kit.Logging(s.log, "toggle_mute")(endpoint), kit.DecodeJSON[emptyReq]())
}

type visibilityReq struct {
	Visible bool `json:"visible"`
}

func (s *Stage) registerVisibilityTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "heromedia_visibility",
		Description: "Report a page visibility change to the hero video controller.",
		InputSchema: kit.InputSchema(map[string]any{
			"visible": map[string]any{"type": "boolean", "description": "Whether the page is visible"},
		}, []string{"visible"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*visibilityReq)
		if s.Controller() == nil {
			return nil, ErrNotMounted
		}
		s.SetVisibility(r.Visible)
		return map[string]bool{"visible": r.Visible}, nil
	}
	kit.RegisterMCPTool(srv, tool, kit.Logging(s.log, "visibility")(endpoint), kit.DecodeJSON[visibilityReq]())
}
