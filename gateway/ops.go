package gateway

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/odookit/odoo-mcp/odoo"
	"github.com/odookit/odoo-mcp/registry"
)

// maxBatchCreate caps odoo_create_batch so a single call cannot flood the
// backend.
const maxBatchCreate = 100

// executeOp dispatches a resolved tool call to the backend operation named by
// the definition. Every op resolves "instance" first; the remaining keys are
// op-specific.
func (s *Server) executeOp(ctx context.Context, op registry.OpSpec, args any) (any, error) {
	instance, err := reqString(args, op, "instance")
	if err != nil {
		return nil, err
	}
	client, err := s.pool.Get(instance)
	if err != nil {
		return nil, err
	}

	switch op.Type {
	case "search":
		return s.opSearch(ctx, client, op, args)
	case "search_read":
		return s.opSearchRead(ctx, client, op, args)
	case "read":
		return s.opRead(ctx, client, op, args)
	case "create":
		return s.opCreate(ctx, client, op, args)
	case "write":
		return s.opWrite(ctx, client, op, args)
	case "unlink":
		return s.opUnlink(ctx, client, op, args)
	case "search_count":
		return s.opSearchCount(ctx, client, op, args)
	case "workflow_action":
		return s.opWorkflowAction(ctx, client, op, args)
	case "execute":
		return s.opExecute(ctx, client, op, args)
	case "generate_report":
		return s.opGenerateReport(ctx, client, op, args)
	case "get_model_metadata":
		return s.opGetModelMetadata(ctx, client, instance, op, args)
	case "read_group":
		return s.opReadGroup(ctx, client, op, args)
	case "name_search":
		return s.opNameSearch(ctx, client, op, args)
	case "name_get":
		return s.opNameGet(ctx, client, op, args)
	case "default_get":
		return s.opDefaultGet(ctx, client, op, args)
	case "copy":
		return s.opCopy(ctx, client, op, args)
	case "onchange":
		return s.opOnchange(ctx, client, op, args)
	case "list_models":
		return s.opListModels(ctx, client, op, args)
	case "check_access":
		return s.opCheckAccess(ctx, client, op, args)
	case "create_batch":
		return s.opCreateBatch(ctx, client, op, args)
	case "database_cleanup":
		return s.opDatabaseCleanup(ctx, client, op, args)
	case "deep_cleanup":
		return s.opDeepCleanup(ctx, client, op, args)
	default:
		return nil, fmt.Errorf("tool definition maps to unknown operation %q", op.Type)
	}
}

// searchOptions assembles the shared optional knobs of the search family.
func searchOptions(args any, op registry.OpSpec) (odoo.SearchOptions, error) {
	var opts odoo.SearchOptions
	var err error
	if opts.Fields, err = optStringSlice(args, op, "fields"); err != nil {
		return opts, err
	}
	if limit, ok, err := optInt(args, op, "limit"); err != nil {
		return opts, err
	} else if ok {
		opts.Limit = limit
	}
	if offset, ok, err := optInt(args, op, "offset"); err != nil {
		return opts, err
	} else if ok {
		opts.Offset = offset
	}
	if order, ok, err := optString(args, op, "order"); err != nil {
		return opts, err
	} else if ok {
		opts.Order = order
	}
	if opts.Context, err = optObject(args, op, "context"); err != nil {
		return opts, err
	}
	return opts, nil
}

// domainOrEmpty resolves the optional domain filter, defaulting to match-all.
func domainOrEmpty(args any, op registry.OpSpec) any {
	if domain, ok := optValue(args, op, "domain"); ok {
		return domain
	}
	return []any{}
}

func (s *Server) opSearch(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	opts, err := searchOptions(args, op)
	if err != nil {
		return nil, err
	}
	ids, err := client.Search(ctx, model, domainOrEmpty(args, op), opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ids": ids, "count": len(ids)}, nil
}

func (s *Server) opSearchRead(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	opts, err := searchOptions(args, op)
	if err != nil {
		return nil, err
	}
	records, err := client.SearchRead(ctx, model, domainOrEmpty(args, op), opts)
	if err != nil {
		return nil, err
	}
	count := 0
	if arr, ok := records.([]any); ok {
		count = len(arr)
	}
	return map[string]any{"records": records, "count": count}, nil
}

func (s *Server) opRead(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	ids, err := reqInt64Slice(args, op, "ids")
	if err != nil {
		return nil, err
	}
	fields, err := optStringSlice(args, op, "fields")
	if err != nil {
		return nil, err
	}
	records, err := client.Read(ctx, model, ids, fields)
	if err != nil {
		return nil, err
	}
	return map[string]any{"records": records}, nil
}

func (s *Server) opCreate(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	values, err := reqValue(args, op, "values")
	if err != nil {
		return nil, err
	}
	id, err := client.Create(ctx, model, values)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "success": true}, nil
}

func (s *Server) opWrite(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	ids, err := reqInt64Slice(args, op, "ids")
	if err != nil {
		return nil, err
	}
	values, err := reqValue(args, op, "values")
	if err != nil {
		return nil, err
	}
	ok, err := client.Write(ctx, model, ids, values)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": ok, "updated_count": len(ids)}, nil
}

func (s *Server) opUnlink(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	ids, err := reqInt64Slice(args, op, "ids")
	if err != nil {
		return nil, err
	}
	ok, err := client.Unlink(ctx, model, ids)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": ok, "deleted_count": len(ids)}, nil
}

func (s *Server) opSearchCount(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	count, err := client.SearchCount(ctx, model, domainOrEmpty(args, op))
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": count}, nil
}

func (s *Server) opWorkflowAction(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	ids, err := reqInt64Slice(args, op, "ids")
	if err != nil {
		return nil, err
	}
	action, err := reqString(args, op, "action")
	if err != nil {
		return nil, err
	}
	result, err := client.CallNamed(ctx, model, action, ids, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result, "executed_on": ids}, nil
}

// opExecute calls an arbitrary method. The positional/keyword split follows
// what LLM callers actually produce: a lone array of ids becomes the record
// set, object args merge into the keyword parameters, anything else is passed
// through under "args".
func (s *Server) opExecute(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	method, err := reqString(args, op, "method")
	if err != nil {
		return nil, err
	}

	var ids []int64
	params := map[string]any{}

	if raw, ok := optValue(args, op, "args"); ok {
		switch v := raw.(type) {
		case []any:
			if inner, ok := singleIntArray(v); ok {
				ids = inner
			} else {
				params["args"] = v
			}
		case map[string]any:
			for key, val := range v {
				params[key] = val
			}
		default:
			params["arg"] = v
		}
	}

	if raw, ok := optValue(args, op, "kwargs"); ok {
		if obj, isObj := raw.(map[string]any); isObj {
			for key, val := range obj {
				params[key] = val
			}
		} else {
			params["kwargs"] = raw
		}
	}

	result, err := client.CallNamed(ctx, model, method, ids, params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

// singleIntArray detects the [[1,2,3]] shape: an args array whose only
// element is an all-integer array.
func singleIntArray(arr []any) ([]int64, bool) {
	if len(arr) != 1 {
		return nil, false
	}
	inner, ok := arr[0].([]any)
	if !ok {
		return nil, false
	}
	ids := make([]int64, 0, len(inner))
	for _, item := range inner {
		id, ok := asArgInt(item)
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

func (s *Server) opGenerateReport(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	reportName, err := reqString(args, op, "reportName")
	if err != nil {
		return nil, err
	}
	ids, err := reqInt64Slice(args, op, "ids")
	if err != nil {
		return nil, err
	}
	pdf, err := client.DownloadReportPDF(ctx, reportName, ids)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"pdf_base64":  base64.StdEncoding.EncodeToString(pdf),
		"report_name": reportName,
		"record_ids":  ids,
	}, nil
}

func (s *Server) opGetModelMetadata(ctx context.Context, client odoo.Client, instance string, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}

	ttl := metadataTTL()
	if ttl > 0 {
		if cached, ok := s.cache.Get(instance, model); ok {
			return cached, nil
		}
	}

	metadata, err := fetchModelMetadata(ctx, client, model)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		s.cache.Insert(instance, model, metadata, ttl)
	}
	return metadata, nil
}

// fetchModelMetadata combines fields_get with the ir.model description. A
// missing ir.model row falls back to the technical name.
func fetchModelMetadata(ctx context.Context, client odoo.Client, model string) (any, error) {
	fields, err := client.FieldsGet(ctx, model)
	if err != nil {
		return nil, err
	}

	description := model
	rows, err := client.SearchRead(ctx, "ir.model",
		[]any{[]any{"model", "=", model}},
		odoo.SearchOptions{Fields: []string{"name", "model"}, Limit: 1})
	if err == nil {
		if arr, ok := rows.([]any); ok && len(arr) > 0 {
			if row, ok := arr[0].(map[string]any); ok {
				if name, ok := row["name"].(string); ok && name != "" {
					description = name
				}
			}
		}
	}

	return map[string]any{
		"model": map[string]any{
			"name":        model,
			"description": description,
			"fields":      fields,
		},
	}, nil
}

func (s *Server) opReadGroup(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	groupBy, err := optStringSlice(args, op, "groupby")
	if err != nil {
		return nil, err
	}
	fields, err := optStringSlice(args, op, "fields")
	if err != nil {
		return nil, err
	}

	var opts odoo.ReadGroupOptions
	if limit, ok, err := optInt(args, op, "limit"); err != nil {
		return nil, err
	} else if ok {
		opts.Limit = limit
	}
	if offset, ok, err := optInt(args, op, "offset"); err != nil {
		return nil, err
	} else if ok {
		opts.Offset = offset
	}
	if orderBy, ok, err := optString(args, op, "orderby"); err != nil {
		return nil, err
	} else if ok {
		opts.OrderBy = orderBy
	}
	if lazy, ok, err := optBool(args, op, "lazy"); err != nil {
		return nil, err
	} else if ok {
		opts.Lazy = &lazy
	}
	if opts.Context, err = optObject(args, op, "context"); err != nil {
		return nil, err
	}

	groups, err := client.ReadGroup(ctx, model, domainOrEmpty(args, op), fields, groupBy, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"groups": groups}, nil
}

func (s *Server) opNameSearch(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	name, _, err := optString(args, op, "name")
	if err != nil {
		return nil, err
	}
	operator, _, err := optString(args, op, "operator")
	if err != nil {
		return nil, err
	}
	limit, _, err := optInt(args, op, "limit")
	if err != nil {
		return nil, err
	}
	domain, _ := optValue(args, op, "args")

	results, err := client.NameSearch(ctx, model, name, domain, operator, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

func (s *Server) opNameGet(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	ids, err := reqInt64Slice(args, op, "ids")
	if err != nil {
		return nil, err
	}
	names, err := client.NameGet(ctx, model, ids)
	if err != nil {
		return nil, err
	}
	return map[string]any{"names": names}, nil
}

func (s *Server) opDefaultGet(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	fields, err := optStringSlice(args, op, "fields")
	if err != nil {
		return nil, err
	}
	defaults, err := client.DefaultGet(ctx, model, fields)
	if err != nil {
		return nil, err
	}
	return map[string]any{"defaults": defaults}, nil
}

func (s *Server) opCopy(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	id, ok, err := optInt(args, op, "id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalidArgs("missing required argument %q", "id")
	}
	defaults, err := optObject(args, op, "default")
	if err != nil {
		return nil, err
	}
	newID, err := client.Copy(ctx, model, id, defaults)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": newID, "success": true}, nil
}

func (s *Server) opOnchange(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	ids, err := reqInt64Slice(args, op, "ids")
	if err != nil {
		return nil, err
	}
	values, err := reqValue(args, op, "values")
	if err != nil {
		return nil, err
	}
	fieldName, err := optStringSlice(args, op, "fieldName")
	if err != nil {
		return nil, err
	}
	if fieldName == nil {
		fieldName = []string{}
	}
	fieldOnchange, ok := optValue(args, op, "fieldOnchange")
	if !ok {
		fieldOnchange = map[string]any{}
	}
	result, err := client.Onchange(ctx, model, ids, values, fieldName, fieldOnchange)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func (s *Server) opListModels(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	domain, ok := optValue(args, op, "domain")
	if !ok {
		domain = []any{[]any{"transient", "=", false}}
	}
	opts := odoo.SearchOptions{Fields: []string{"model", "name"}}
	if limit, ok, err := optInt(args, op, "limit"); err != nil {
		return nil, err
	} else if ok {
		opts.Limit = limit
	}
	if offset, ok, err := optInt(args, op, "offset"); err != nil {
		return nil, err
	} else if ok {
		opts.Offset = offset
	}
	models, err := client.SearchRead(ctx, "ir.model", domain, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"models": models}, nil
}

func (s *Server) opCheckAccess(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	operation, err := reqString(args, op, "operation")
	if err != nil {
		return nil, err
	}
	ids, err := optInt64Slice(args, op, "ids")
	if err != nil {
		return nil, err
	}

	modelLevel, err := client.CallNamed(ctx, model, "check_access_rights", nil,
		map[string]any{"operation": operation})
	if err != nil {
		return nil, err
	}

	// Record rules can legitimately fail on models without rules, so that
	// check is best effort.
	var recordLevel any
	if len(ids) > 0 {
		recordLevel, err = client.CallNamed(ctx, model, "check_access_rule", ids,
			map[string]any{"operation": operation})
		if err != nil {
			recordLevel = nil
		}
	}

	return map[string]any{
		"has_access":   true,
		"model":        model,
		"operation":    operation,
		"model_level":  modelLevel,
		"record_level": recordLevel,
	}, nil
}

func (s *Server) opCreateBatch(ctx context.Context, client odoo.Client, op registry.OpSpec, args any) (any, error) {
	model, err := reqString(args, op, "model")
	if err != nil {
		return nil, err
	}
	raw, err := reqValue(args, op, "values")
	if err != nil {
		return nil, err
	}
	records, ok := raw.([]any)
	if !ok {
		return nil, invalidArgs("argument %q must be an array", "values")
	}
	if len(records) > maxBatchCreate {
		return nil, invalidArgs("batch size limited to %d records, got %d", maxBatchCreate, len(records))
	}

	ids := make([]int64, 0, len(records))
	for i, record := range records {
		id, err := client.Create(ctx, model, record)
		if err != nil {
			return nil, fmt.Errorf("creating record %d of %d: %w", i+1, len(records), err)
		}
		ids = append(ids, id)
	}
	return map[string]any{"ids": ids, "count": len(ids)}, nil
}
