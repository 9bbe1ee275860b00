package mcp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/paularlott/mcp"

	"github.com/martinsuchenak/protosync/internal/inherit"
	"github.com/martinsuchenak/protosync/internal/log"
	"github.com/martinsuchenak/protosync/internal/model"
	"github.com/martinsuchenak/protosync/internal/prototype"
	"github.com/martinsuchenak/protosync/internal/storage"
)

const serverVersion = "1.0.0"

// Server wraps the MCP server with host prototype tools
type Server struct {
	mcpServer   *mcp.Server
	store       storage.Store
	service     *prototype.Service
	bearerToken string
}

// NewServer creates a new MCP server for host prototype management
func NewServer(store storage.Store, service *prototype.Service, bearerToken string) *Server {
	s := &Server{
		mcpServer:   mcp.NewServer("protosync", serverVersion),
		store:       store,
		service:     service,
		bearerToken: bearerToken,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.RegisterTool(
		mcp.NewTool("template_sync", "Push the host prototypes of templates down to every host and template linking them",
			mcp.StringArray("template_ids", "Template IDs to sync", mcp.Required()),
			mcp.StringArray("host_ids", "Only sync these directly linked hosts (optional)"),
		),
		s.handleTemplateSync,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("host_prototype_list", "List host prototypes, optionally for one discovery rule",
			mcp.String("rule_id", "Discovery rule ID"),
		),
		s.handleHostPrototypeList,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("host_prototype_delete", "Delete a native host prototype together with all inherited copies and the hosts discovered from them",
			mcp.String("id", "Host prototype ID", mcp.Required()),
		),
		s.handleHostPrototypeDelete,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("host_prototype_unlink", "Turn the inherited host prototypes of discovery rules into native ones",
			mcp.StringArray("rule_ids", "Discovery rule IDs", mcp.Required()),
		),
		s.handleHostPrototypeUnlink,
	)
}

// HandleRequest checks the bearer token and passes the request to the MCP server
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	log.Debug("MCP request received", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

	if s.bearerToken != "" {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			log.Warn("MCP request missing Authorization header", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Missing Authorization header", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			log.Warn("MCP request invalid Authorization format", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid Authorization format", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.bearerToken)) != 1 {
			log.Warn("MCP request invalid token", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}
	}

	s.mcpServer.HandleRequest(w, r)
}

func (s *Server) handleTemplateSync(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	templateIDs, err := req.StringSlice("template_ids")
	if err != nil || len(templateIDs) == 0 {
		return nil, mcp.NewToolErrorInvalidParams("template_ids is required")
	}
	hostIDs, _ := req.StringSlice("host_ids")

	log.Debug("MCP template sync request", "templates", templateIDs, "hosts", hostIDs)
	changed, err := s.service.SyncTemplates(ctx, templateIDs, hostIDs)
	if err != nil {
		return nil, toolError("template sync", err)
	}

	log.Info("MCP template sync completed", "templates", len(templateIDs), "changed", len(changed))
	if len(changed) == 0 {
		return mcp.NewToolResponseText("All inherited host prototypes are up to date"), nil
	}
	return mcp.NewToolResponseText(formatPrototypeList(fmt.Sprintf("Created or updated %d host prototypes:", len(changed)), changed)), nil
}

func (s *Server) handleHostPrototypeList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	ruleID, _ := req.String("rule_id")

	filter := &model.HostPrototypeFilter{}
	if ruleID != "" {
		filter.DiscoveryRuleIDs = []string{ruleID}
	}

	protos, err := s.store.ListHostPrototypes(ctx, filter)
	if err != nil {
		return nil, toolError("host prototype list", err)
	}

	log.Debug("MCP host prototype list completed", "count", len(protos), "rule_id", ruleID)
	if len(protos) == 0 {
		return mcp.NewToolResponseText("No host prototypes found"), nil
	}
	return mcp.NewToolResponseText(formatPrototypeList(fmt.Sprintf("Found %d host prototypes:", len(protos)), protos)), nil
}

func (s *Server) handleHostPrototypeDelete(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("id")
	if err != nil || id == "" {
		return nil, mcp.NewToolErrorInvalidParams("id is required")
	}

	deleted, err := s.service.Delete(ctx, []string{id})
	if err != nil {
		return nil, toolError("host prototype delete", err)
	}

	log.Info("MCP host prototype deleted", "id", id, "deleted", len(deleted))
	return mcp.NewToolResponseText(fmt.Sprintf("Deleted %d host prototypes", len(deleted))), nil
}

func (s *Server) handleHostPrototypeUnlink(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	ruleIDs, err := req.StringSlice("rule_ids")
	if err != nil || len(ruleIDs) == 0 {
		return nil, mcp.NewToolErrorInvalidParams("rule_ids is required")
	}

	unlinked, err := s.service.Unlink(ctx, ruleIDs)
	if err != nil {
		return nil, toolError("host prototype unlink", err)
	}
	if len(unlinked) == 0 {
		return mcp.NewToolResponseText("No inherited host prototypes on these discovery rules"), nil
	}
	return mcp.NewToolResponseText(formatPrototypeList(fmt.Sprintf("Unlinked %d host prototypes:", len(unlinked)), unlinked)), nil
}

// toolError turns request problems into invalid params and hides everything
// else behind a generic internal error
func toolError(op string, err error) error {
	var conflictErr *inherit.ConflictError
	var cycleErr *inherit.CycleError

	switch {
	case errors.As(err, &conflictErr):
		return mcp.NewToolErrorInvalidParams(strings.Join(conflictErr.Messages(), "\n"))
	case errors.As(err, &cycleErr),
		prototype.IsInputError(err),
		errors.Is(err, storage.ErrHostNotFound),
		errors.Is(err, storage.ErrDiscoveryRuleNotFound),
		errors.Is(err, storage.ErrHostPrototypeNotFound):
		log.Warn("MCP request rejected", "op", op, "error", err)
		return mcp.NewToolErrorInvalidParams(err.Error())
	default:
		log.Error("MCP request failed", "op", op, "error", err)
		return mcp.NewToolErrorInternal(op + " failed")
	}
}

func formatPrototypeList(header string, protos []model.HostPrototype) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")
	for i := range protos {
		b.WriteString(formatPrototypeSummary(&protos[i]))
		b.WriteString("\n")
	}
	return b.String()
}

func formatPrototypeSummary(p *model.HostPrototype) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s (%s)\n", p.Host, p.ID)
	if p.Name != "" && p.Name != p.Host {
		fmt.Fprintf(&b, "  Visible name: %s\n", p.Name)
	}
	fmt.Fprintf(&b, "  Discovery rule: %s\n", p.DiscoveryRuleID)
	fmt.Fprintf(&b, "  Status: %s\n", p.Status)
	if p.LineageID != "" {
		fmt.Fprintf(&b, "  Inherited from: %s\n", p.LineageID)
	}
	if n := len(p.GroupLinks) + len(p.GroupPrototypes); n > 0 {
		fmt.Fprintf(&b, "  Groups: %d\n", n)
	}
	return b.String()
}

// LogStartup logs MCP server startup information
func (s *Server) LogStartup() {
	log.Info("MCP Server initialized", "version", serverVersion)
	if s.bearerToken != "" {
		log.Info("MCP authentication enabled", "type", "Bearer token")
	} else {
		log.Info("MCP authentication disabled")
	}
	tools := s.mcpServer.ListTools()
	log.Info("MCP tools registered", "count", len(tools))
	for _, tool := range tools {
		log.Debug("MCP tool registered", "name", tool.Name)
	}
}
