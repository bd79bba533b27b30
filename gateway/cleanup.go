package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/odookit/odoo-mcp/odoo"
	"github.com/odookit/odoo-mcp/registry"
)

const odooDateFormat = "2006-01-02 15:04:05"

// systemPartnerNames are partners the deep cleanup never removes.
var systemPartnerNames = []string{"Your Company", "Administrator", "Email Alias", "External IP"}

type cleanupDetail struct {
	Operation       string `json:"operation"`
	Model           string `json:"model"`
	RecordsAffected int    `json:"records_affected"`
	Details         string `json:"details"`
	Status          string `json:"status"`
}

type databaseCleanupSummary struct {
	TestDataRemoved         int  `json:"testDataRemoved"`
	InactiveRecordsArchived int  `json:"inactiveRecordsArchived"`
	DraftsCleaned           int  `json:"draftsCleaned"`
	OrphanRecordsRemoved    int  `json:"orphanRecordsRemoved"`
	LogsCleaned             int  `json:"logsCleaned"`
	AttachmentsCleaned      int  `json:"attachmentsCleaned"`
	CacheCleared            bool `json:"cacheCleared"`
	TotalRecordsProcessed   int  `json:"totalRecordsProcessed"`
}

type databaseCleanupReport struct {
	Success   bool                   `json:"success"`
	Timestamp string                 `json:"timestamp"`
	Summary   databaseCleanupSummary `json:"summary"`
	Details   []cleanupDetail        `json:"details"`
	Warnings  []string               `json:"warnings"`
	Errors    []string               `json:"errors"`
	DryRun    bool                   `json:"dry_run"`
}

// optBoolDefault resolves an optional boolean, substituting def when absent.
func optBoolDefault(args any, op registry.OpSpec, key string, def bool) (bool, error) {
	v, ok, err := optBool(args, op, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

func (s *Server) opDatabaseCleanup(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	removeTestData, err := optBoolDefault(args, op, "removeTestData", true)
	if err != nil {
		return nil, err
	}
	removeInactive, err := optBoolDefault(args, op, "removeInactiveRecords", true)
	if err != nil {
		return nil, err
	}
	cleanupDrafts, err := optBoolDefault(args, op, "cleanupDrafts", true)
	if err != nil {
		return nil, err
	}
	dryRun, err := optBoolDefault(args, op, "dryRun", false)
	if err != nil {
		return nil, err
	}
	daysThreshold := int64(180)
	if v, ok, err := optInt(args, op, "daysThreshold"); err != nil {
		return nil, err
	} else if ok {
		daysThreshold = v
	}

	threshold := time.Now().UTC().AddDate(0, 0, -int(daysThreshold)).Format(odooDateFormat)

	report := databaseCleanupReport{
		Success:   true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   []cleanupDetail{},
		Warnings:  []string{},
		Errors:    []string{},
		DryRun:    dryRun,
	}

	fail := func(operation, model string, err error) {
		report.Success = false
		report.Errors = append(report.Errors, fmt.Sprintf("%s on %s: %v", operation, model, err))
		report.Details = append(report.Details, cleanupDetail{
			Operation: operation,
			Model:     model,
			Details:   err.Error(),
			Status:    "error",
		})
	}

	if removeTestData {
		targets := []struct {
			model  string
			domain any
		}{
			{"res.partner", []any{[]any{"name", "like", "Test%"}}},
			{"res.partner", []any{[]any{"name", "like", "Demo%"}}},
			{"sale.order", []any{[]any{"name", "like", "%TEST%"}}},
			{"account.move", []any{[]any{"ref", "like", "%TEST%"}}},
			{"stock.move", []any{[]any{"origin", "like", "%TEST%"}}},
		}
		for _, target := range targets {
			n, err := s.cleanupUnlink(ctx, client, target.model, target.domain, dryRun)
			if err != nil {
				fail("remove_test_data", target.model, err)
				continue
			}
			report.Summary.TestDataRemoved += n
			report.Details = append(report.Details, cleanupDetail{
				Operation:       "remove_test_data",
				Model:           target.model,
				RecordsAffected: n,
				Details:         stepDetail(dryRun, "remove", "Removed", n, "test/demo records"),
				Status:          "success",
			})
		}
	}

	if removeInactive {
		for _, model := range []string{"res.partner", "sale.order", "account.move"} {
			domain := []any{
				[]any{"write_date", "<", threshold},
				[]any{"active", "=", true},
			}
			n, err := s.cleanupArchive(ctx, client, model, domain, dryRun)
			if err != nil {
				fail("archive_inactive", model, err)
				continue
			}
			report.Summary.InactiveRecordsArchived += n
			report.Details = append(report.Details, cleanupDetail{
				Operation:       "archive_inactive",
				Model:           model,
				RecordsAffected: n,
				Details:         stepDetail(dryRun, "archive", "Archived", n, "inactive records"),
				Status:          "success",
			})
		}
	}

	if cleanupDrafts {
		for _, model := range []string{"sale.order", "account.move", "purchase.order"} {
			n, err := s.cleanupUnlink(ctx, client, model, []any{[]any{"state", "=", "draft"}}, dryRun)
			if err != nil {
				fail("cleanup_drafts", model, err)
				continue
			}
			report.Summary.DraftsCleaned += n
			report.Details = append(report.Details, cleanupDetail{
				Operation:       "cleanup_drafts",
				Model:           model,
				RecordsAffected: n,
				Details:         stepDetail(dryRun, "delete", "Deleted", n, "draft records"),
				Status:          "success",
			})
		}
	}

	orphans := []struct {
		model  string
		domain any
	}{
		{"sale.order.line", []any{[]any{"order_id", "=", false}}},
		{"account.move.line", []any{[]any{"move_id", "=", false}}},
	}
	for _, target := range orphans {
		n, err := s.cleanupUnlink(ctx, client, target.model, target.domain, dryRun)
		if err != nil {
			fail("remove_orphans", target.model, err)
			continue
		}
		report.Summary.OrphanRecordsRemoved += n
		report.Details = append(report.Details, cleanupDetail{
			Operation:       "remove_orphans",
			Model:           target.model,
			RecordsAffected: n,
			Details:         stepDetail(dryRun, "remove", "Removed", n, "orphaned records"),
			Status:          "success",
		})
	}

	logs := []struct {
		model  string
		domain any
	}{
		{"mail.message", []any{[]any{"create_date", "<", threshold}}},
		{"mail.activity", []any{
			[]any{"create_date", "<", threshold},
			[]any{"state", "=", "done"},
		}},
	}
	for _, target := range logs {
		n, err := s.cleanupUnlink(ctx, client, target.model, target.domain, dryRun)
		if err != nil {
			fail("cleanup_logs", target.model, err)
			continue
		}
		report.Summary.LogsCleaned += n
		report.Details = append(report.Details, cleanupDetail{
			Operation:       "cleanup_logs",
			Model:           target.model,
			RecordsAffected: n,
			Details:         stepDetail(dryRun, "delete", "Deleted", n, "old log entries"),
			Status:          "success",
		})
	}

	n, err := s.cleanupUnlink(ctx, client, "ir.attachment",
		[]any{[]any{"create_date", "<", threshold}}, dryRun)
	if err != nil {
		fail("cleanup_attachments", "ir.attachment", err)
	} else {
		report.Summary.AttachmentsCleaned = n
		report.Details = append(report.Details, cleanupDetail{
			Operation:       "cleanup_attachments",
			Model:           "ir.attachment",
			RecordsAffected: n,
			Details:         stepDetail(dryRun, "delete", "Deleted", n, "old attachments"),
			Status:          "success",
		})
	}

	if !dryRun {
		report.Summary.CacheCleared = true
		for _, call := range []struct{ model, method string }{
			{"ir.ui.view", "clear_caches"},
			{"ir.session", "clear_session_cache"},
		} {
			if _, err := client.CallNamed(ctx, call.model, call.method, nil, nil); err != nil {
				report.Summary.CacheCleared = false
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("cache clear via %s.%s failed: %v", call.model, call.method, err))
			}
		}
	}

	report.Summary.TotalRecordsProcessed = report.Summary.TestDataRemoved +
		report.Summary.InactiveRecordsArchived +
		report.Summary.DraftsCleaned +
		report.Summary.OrphanRecordsRemoved +
		report.Summary.LogsCleaned +
		report.Summary.AttachmentsCleaned

	return report, nil
}

// cleanupUnlink searches the domain and deletes the matches. In dry-run mode
// it only counts.
func (s *Server) cleanupUnlink(ctx context.Context, client odoo.Client, model string, domain any, dryRun bool) (int, error) {
	ids, err := client.Search(ctx, model, domain, odoo.SearchOptions{})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 || dryRun {
		return len(ids), nil
	}
	if _, err := client.Unlink(ctx, model, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// cleanupArchive searches the domain and sets active=false on the matches.
func (s *Server) cleanupArchive(ctx context.Context, client odoo.Client, model string, domain any, dryRun bool) (int, error) {
	ids, err := client.Search(ctx, model, domain, odoo.SearchOptions{})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 || dryRun {
		return len(ids), nil
	}
	if _, err := client.Write(ctx, model, ids, map[string]any{"active": false}); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// stepDetail formats a step outcome, switching tense for dry runs.
func stepDetail(dryRun bool, verb, verbPast string, n int, what string) string {
	if dryRun {
		return fmt.Sprintf("[DRY RUN] Would %s %d %s", verb, n, what)
	}
	return fmt.Sprintf("%s %d %s", verbPast, n, what)
}

type deepCleanupDetail struct {
	Model          string `json:"model"`
	RecordsRemoved int    `json:"recordsRemoved"`
	Details        string `json:"details"`
	Status         string `json:"status"`
}

type deepCleanupReport struct {
	Success             bool                `json:"success"`
	Timestamp           string              `json:"timestamp"`
	Summary             map[string]int      `json:"summary"`
	Details             []deepCleanupDetail `json:"details"`
	DefaultDataRetained []string            `json:"defaultDataRetained"`
	Warnings            []string            `json:"warnings"`
	Errors              []string            `json:"errors"`
	DryRun              bool                `json:"dry_run"`
}

func (s *Server) opDeepCleanup(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	dryRun, err := optBoolDefault(args, op, "dryRun", true)
	if err != nil {
		return nil, err
	}
	keepCompany, err := optBoolDefault(args, op, "keepCompanyDefaults", true)
	if err != nil {
		return nil, err
	}
	keepUsers, err := optBoolDefault(args, op, "keepUserAccounts", true)
	if err != nil {
		return nil, err
	}

	report := deepCleanupReport{
		Success:             true,
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
		Summary:             map[string]int{},
		Details:             []deepCleanupDetail{},
		DefaultDataRetained: []string{},
		Warnings:            []string{},
		Errors:              []string{},
		DryRun:              dryRun,
	}

	fail := func(model string, err error) {
		report.Success = false
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", model, err))
		report.Details = append(report.Details, deepCleanupDetail{
			Model:   model,
			Details: err.Error(),
			Status:  "error",
		})
	}
	record := func(model, summaryKey string, n int) {
		report.Summary[summaryKey] += n
		report.Details = append(report.Details, deepCleanupDetail{
			Model:          model,
			RecordsRemoved: n,
			Details:        stepDetail(dryRun, "remove", "Removed", n, "records"),
			Status:         "success",
		})
	}

	if n, err := s.deepCleanupPartners(ctx, client, keepCompany, dryRun); err != nil {
		fail("res.partner", err)
	} else {
		record("res.partner", "partnersRemoved", n)
	}

	var employeeDomain any = []any{}
	if keepUsers {
		employeeDomain = []any{[]any{"user_id", "=", false}}
	}

	steps := []struct {
		model      string
		domain     any
		summaryKey string
	}{
		{"sale.order", []any{}, "salesOrdersRemoved"},
		{"account.move", []any{}, "invoicesRemoved"},
		{"account.journal", []any{[]any{"type", "not in", []any{"general", "situation"}}}, "journalsRemoved"},
		{"account.account", []any{[]any{"code", "not ilike", "1%"}}, "accountsRemoved"},
		{"purchase.order", []any{}, "purchaseOrdersRemoved"},
		{"stock.move", []any{}, "stockMovesRemoved"},
		{"product.product", []any{[]any{"create_date", "!=", false}}, "productsRemoved"},
		{"crm.lead", []any{[]any{"type", "=", "lead"}}, "leadsRemoved"},
		{"crm.lead", []any{[]any{"type", "=", "opportunity"}}, "opportunitiesRemoved"},
		{"project.task", []any{}, "tasksRemoved"},
		{"project.project", []any{}, "projectsRemoved"},
		{"calendar.event", []any{}, "eventsRemoved"},
		{"calendar.attendee", []any{}, "attendeesRemoved"},
		{"hr.employee", employeeDomain, "employeesRemoved"},
		{"hr.department", []any{[]any{"parent_id", "!=", false}}, "departmentsRemoved"},
		{"mail.message", []any{}, "messagesRemoved"},
		{"mail.activity", []any{}, "activitiesRemoved"},
		{"ir.attachment", []any{}, "attachmentsRemoved"},
	}
	for _, step := range steps {
		n, err := s.cleanupUnlink(ctx, client, step.model, step.domain, dryRun)
		if err != nil {
			fail(step.model, err)
			continue
		}
		record(step.model, step.summaryKey, n)
	}

	total := 0
	for _, n := range report.Summary {
		total += n
	}
	report.Summary["totalRecordsRemoved"] = total

	s.deepCleanupRetainedChecks(ctx, client, &report)

	if !dryRun {
		report.Warnings = append(report.Warnings,
			"⚠ IMPORTANT: All non-essential data has been removed. Verify the retained defaults before resuming normal operations.")
	}
	return report, nil
}

// deepCleanupPartners removes partners except the system defaults. Protected
// names are filtered by substring, matching how demo databases label them.
func (s *Server) deepCleanupPartners(ctx context.Context, client odoo.Client, keepCompany, dryRun bool) (int, error) {
	var domain any = []any{}
	if keepCompany {
		domain = []any{[]any{"name", "!=", "Your Company"}}
	}

	rows, err := client.SearchRead(ctx, "res.partner", domain,
		odoo.SearchOptions{Fields: []string{"name"}})
	if err != nil {
		return 0, err
	}
	arr, ok := rows.([]any)
	if !ok {
		return 0, fmt.Errorf("unexpected search_read result for res.partner")
	}

	var removable []int64
	for _, raw := range arr {
		row, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, ok := asArgInt(row["id"])
		if !ok {
			continue
		}
		name, _ := row["name"].(string)
		if keepCompany && isSystemPartner(name) {
			continue
		}
		removable = append(removable, id)
	}

	if len(removable) == 0 || dryRun {
		return len(removable), nil
	}
	if _, err := client.Unlink(ctx, "res.partner", removable); err != nil {
		return 0, err
	}
	return len(removable), nil
}

func isSystemPartner(name string) bool {
	for _, system := range systemPartnerNames {
		if name == system {
			return true
		}
	}
	return false
}

// deepCleanupRetainedChecks verifies the system scaffolding survived and
// reports it. Failed probes become warnings, not errors.
func (s *Server) deepCleanupRetainedChecks(ctx context.Context, client odoo.Client, report *deepCleanupReport) {
	checks := []struct {
		model  string
		domain any
		label  string
	}{
		{"res.company", []any{}, "✓ Default Company Retained"},
		{"res.users", []any{[]any{"id", "=", 2}}, "✓ Admin User Retained"},
		{"ir.ui.menu", []any{}, "✓ Menu Structure Retained"},
		{"res.groups", []any{}, "✓ User Groups Retained"},
	}
	for _, check := range checks {
		count, err := client.SearchCount(ctx, check.model, check.domain)
		if err != nil {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("could not verify %s: %v", check.model, err))
			continue
		}
		if count > 0 {
			report.DefaultDataRetained = append(report.DefaultDataRetained, check.label)
		}
	}
	report.DefaultDataRetained = append(report.DefaultDataRetained,
		"✓ Module Structure Intact",
		"✓ System Configuration Retained")
}
