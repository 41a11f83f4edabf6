package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/model"
	"github.com/zepia/keygate/internal/service"
)

const (
	defaultFindLimit = 25
	maxFindLimit     = 1000
)

// registerTools registers all keygate MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Lookup tools -----

	srv.AddTool(
		mcp.NewTool("keygate_lookup_key",
			mcp.WithDescription(
				"Look up the stored record for one access key: purchaser email, billing "+
					"customer, status, subscription window, login count and bound sessions. "+
					"The status is the stored one; an elapsed window is reported as "+
					"effective_status.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("access_key",
				mcp.Required(),
				mcp.Description("The access key to look up"),
			),
		),
		s.handleLookupKey,
	)

	srv.AddTool(
		mcp.NewTool("keygate_find_keys",
			mcp.WithDescription(
				"Find access keys by purchaser email or billing customer reference, newest "+
					"first. At least one of email or customer_ref is required.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("email",
				mcp.Description("Exact purchaser email"),
			),
			mcp.WithString("customer_ref",
				mcp.Description("Billing customer id (e.g. cus_123)"),
			),
			mcp.WithString("status",
				mcp.Description("Only keys in this status"),
				mcp.Enum("ACTIVE", "INACTIVE", "EXPIRED", "CANCELLED"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of records to return (default 25, max 1000)"),
			),
		),
		s.handleFindKeys,
	)

	srv.AddTool(
		mcp.NewTool("keygate_admission_settings",
			mcp.WithDescription(
				"Show how keys are admitted: the admission mode (login or session), the "+
					"login and session limits, the subscription period, the billing products "+
					"that grant keys and the identity used to match renewals.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleAdmissionSettings,
	)

	// ----- Mutation tools -----

	srv.AddTool(
		mcp.NewTool("keygate_cancel_customer",
			mcp.WithDescription(
				"Cancel the access key held by a billing customer, exactly as a "+
					"subscription deletion from the billing provider would. The key stops "+
					"admitting logins and sessions immediately.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("customer_ref",
				mcp.Required(),
				mcp.Description("Billing customer id whose key is cancelled"),
			),
		),
		s.handleCancelCustomer,
	)
}

// =========================================================================
// Tool handlers
// =========================================================================

// keyView is a record plus the status it has right now.
type keyView struct {
	model.AccessKey
	EffectiveStatus model.Status `json:"effective_status"`
}

func viewOf(rec *model.AccessKey, now time.Time) keyView {
	status, _ := service.Evaluate(rec, now)
	return keyView{AccessKey: *rec, EffectiveStatus: status}
}

func (s *MCPServer) handleLookupKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	key, err := requireString(request, "access_key")
	if err != nil {
		return toolError("%v", err)
	}

	rec, err := s.store.GetByAccessKey(ctx, strings.TrimSpace(key))
	if errors.Is(err, keystore.ErrNotFound) {
		return toolError("Access key %q not found. Use keygate_find_keys to search by email or customer.",
			model.KeyPrefix(key))
	}
	if err != nil {
		return toolError("Key store error: %v", err)
	}
	return successJSON(viewOf(rec, time.Now()))
}

func (s *MCPServer) handleFindKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	filter := model.ListFilter{
		Email:       strings.TrimSpace(optionalString(request, "email")),
		CustomerRef: strings.TrimSpace(optionalString(request, "customer_ref")),
		Status:      model.Status(strings.ToUpper(optionalString(request, "status"))),
		Limit:       clamp(optionalInt(request, "limit", defaultFindLimit), 1, maxFindLimit),
	}
	if filter.Email == "" && filter.CustomerRef == "" {
		return toolError("Provide email or customer_ref to search by")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return toolError("Unknown status %q. Use ACTIVE, INACTIVE, EXPIRED or CANCELLED.", filter.Status)
	}

	recs, err := s.store.List(ctx, filter)
	if err != nil {
		return toolError("Key store error: %v", err)
	}

	now := time.Now()
	views := make([]keyView, len(recs))
	for i := range recs {
		views[i] = viewOf(&recs[i], now)
	}
	return successJSON(views)
}

func (s *MCPServer) handleCancelCustomer(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	ref, err := requireString(request, "customer_ref")
	if err != nil {
		return toolError("%v", err)
	}

	res, err := s.reconciler.Deactivate(ctx, strings.TrimSpace(ref))
	if err != nil {
		return toolError("Cancellation failed (%s): %v", service.Code(err), err)
	}
	if res.Outcome == service.OutcomeIgnored {
		return toolError("No access key is held by customer %q", ref)
	}
	s.logger.Info("customer cancelled via MCP", "customer_ref", ref, "key", res.Record.Prefix())
	return successJSON(res.Record)
}

// admissionSettings is the agent-facing summary of the admission rules.
type admissionSettings struct {
	Mode            string   `json:"mode"`
	MaxLogins       int      `json:"max_logins"`
	MaxSessions     int      `json:"max_sessions"`
	PeriodMonths    int      `json:"period_months"`
	PeriodDays      int      `json:"period_days"`
	ProductIDs      []string `json:"product_ids"`
	RenewalIdentity string   `json:"renewal_identity"`
}

func (s *MCPServer) admissionSummary() (admissionSettings, error) {
	adm := s.settings.AdmissionConfig()
	rc, err := s.settings.ReconcilerConfig()
	if err != nil {
		return admissionSettings{}, err
	}
	products := rc.ProductIDs
	if products == nil {
		products = []string{}
	}
	return admissionSettings{
		Mode:            adm.Mode.String(),
		MaxLogins:       adm.MaxLogins,
		MaxSessions:     adm.MaxSessions,
		PeriodMonths:    rc.Period.Months,
		PeriodDays:      rc.Period.Days,
		ProductIDs:      products,
		RenewalIdentity: string(rc.RenewalIdentity),
	}, nil
}

func (s *MCPServer) handleAdmissionSettings(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	summary, err := s.admissionSummary()
	if err != nil {
		return toolError("Invalid settings: %v", err)
	}
	return successJSON(summary)
}
