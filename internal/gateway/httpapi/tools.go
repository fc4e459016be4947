package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/relay/internal/tools"
)

// ToolRequest is the JSON body for POST /v1/tools/{name}. Channel and
// ChatID set the conversation tools like "message" and "cron" default to.
type ToolRequest struct {
	Params  map[string]any `json:"params"`
	Channel string         `json:"channel,omitempty"`
	ChatID  string         `json:"chat_id,omitempty"`
}

func (g *Gateway) toolRoutes(v1 *okapi.Group) {
	v1.Get("/tools", g.handleToolList,
		okapi.DocSummary("List registered tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]tools.Definition{}),
	)
	v1.Post("/tools/{name}", g.handleToolExecute,
		okapi.DocSummary("Execute a tool"),
		okapi.DocTags("Tools"),
		okapi.DocPathParam("name", "string", "Tool name"),
		okapi.DocRequestBody(ToolRequest{}),
		okapi.DocResponse(tools.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	return c.OK(g.tools.Definitions())
}

func (g *Gateway) handleToolExecute(c *okapi.Context) error {
	name := c.Param("name")
	var req ToolRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	ctx := c.Context()
	if req.Channel != "" || req.ChatID != "" {
		ctx = tools.WithTarget(ctx, req.Channel, req.ChatID)
	}

	result, err := g.tools.Execute(ctx, name, req.Params)
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		return notFound(c, "unknown tool "+name)
	case errors.Is(err, tools.ErrInvalidParams):
		return c.AbortBadRequest(err.Error())
	case err != nil:
		g.logger.Warn("tool execution failed",
			slog.String("tool", name),
			slog.String("client", c.GetString("client")),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusUnprocessableEntity, ErrorBody{Error: err.Error()})
	}

	g.logger.Info("tool executed",
		slog.String("tool", name),
		slog.String("client", c.GetString("client")),
	)
	return c.OK(result)
}
