// Package mcp provides the MCP (Model Context Protocol) server for etsy-mcp,
// exposing marketplace tools to an AI assistant over stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"etsy-mcp/internal/etsy"
	"etsy-mcp/internal/token"
)

var (
	errAuthRequired  = errors.New("authentication required: call the authenticate tool and complete sign-in in your browser")
	errNoDefaultShop = errors.New("no shop_id given and no default shop is set: call set_default_shop first")
)

// Marketplace is the subset of the marketplace client the tools call.
type Marketplace interface {
	GetMe(ctx context.Context, accessToken string) (*etsy.User, error)
	ListUserShops(ctx context.Context, accessToken string, userID int64) (*etsy.ShopList, error)
	GetShop(ctx context.Context, accessToken string, shopID int64) (*etsy.Shop, error)
	ListShopListings(ctx context.Context, accessToken string, shopID int64, state string, limit, offset int) (*etsy.ListingList, error)
	GetListing(ctx context.Context, accessToken string, listingID int64) (*etsy.Listing, error)
	CreateDraftListing(ctx context.Context, accessToken string, shopID int64, in etsy.DraftListingInput) (*etsy.Listing, error)
	ListShippingProfiles(ctx context.Context, accessToken string, shopID int64) (*etsy.ShippingProfileList, error)
	CreateShippingProfile(ctx context.Context, accessToken string, shopID int64, in etsy.ShippingProfileInput) (*etsy.ShippingProfile, error)
	UploadListingImage(ctx context.Context, accessToken string, shopID, listingID int64, in etsy.ImageInput) (*etsy.ListingImage, error)
}

// AuthFlow is the interactive authorization listener.
type AuthFlow interface {
	Start(ctx context.Context) error
	AuthURL() string
}

// Config holds the MCP server dependencies.
type Config struct {
	Name    string
	Version string
	Tokens  *token.Manager
	Etsy    Marketplace
	Flow    AuthFlow
	// OpenBrowser is optional; without it open_browser requests are ignored.
	OpenBrowser func(url string) error
	Logger      *zap.Logger
}

// Server wraps the MCP server and the components its tools use.
type Server struct {
	mcpServer   *mcp.Server
	tokens      *token.Manager
	etsy        Marketplace
	flow        AuthFlow
	openBrowser func(string) error
	logger      *zap.Logger
}

// NewServer creates the MCP server and registers every tool.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "etsy-mcp"
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    name,
			Version: cfg.Version,
		}, nil),
		tokens:      cfg.Tokens,
		etsy:        cfg.Etsy,
		flow:        cfg.Flow,
		openBrowser: cfg.OpenBrowser,
		logger:      logger.Named("mcp"),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Run serves tools over stdin/stdout until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	s.logger.Info("MCP server stopped")
	return nil
}

// addTool registers h behind a recover guard so a panicking handler becomes
// a tool error instead of taking the process down.
func addTool[In, Out any](s *Server, tool *mcp.Tool, h mcp.ToolHandlerFor[In, Out]) {
	mcp.AddTool(s.mcpServer, tool, guard(s.logger, tool.Name, h))
}

func guard[In, Out any](logger *zap.Logger, name string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (res *mcp.CallToolResult, out Out, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("tool handler panicked",
					zap.String("tool", name),
					zap.Any("panic", r),
					zap.Stack("stack"))
				var zero Out
				res, out, err = nil, zero, fmt.Errorf("internal error while running %s", name)
			}
		}()
		return h(ctx, req, in)
	}
}

// accessToken is the gate every marketplace tool goes through.
func (s *Server) accessToken(ctx context.Context) (string, error) {
	tok, ok := s.tokens.ValidAccessToken(ctx)
	if !ok {
		return "", errAuthRequired
	}
	return tok, nil
}

// resolveShop returns shopID, or the default shop when shopID is 0.
func (s *Server) resolveShop(ctx context.Context, shopID int64) (int64, error) {
	if shopID != 0 {
		return shopID, nil
	}
	if st := s.tokens.Status(ctx); st.ShopID != 0 {
		return st.ShopID, nil
	}
	return 0, errNoDefaultShop
}

// apiError rewraps marketplace failures for the tool result.
func apiError(action string, err error) error {
	var apiErr *etsy.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("failed to %s: %w (the access token was rejected; call authenticate again)", action, err)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}
