package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/pocketsync/pocketsync/internal/types"
)

// maxExpandDepth bounds recursive expansion of dotted relation paths.
const maxExpandDepth = 6

// expand resolves the comma-separated relation paths for a result set,
// attaching related records under each row's expand key.
//
// Related ids are gathered across the whole result set and fetched with one
// batched query per relation, so expanding N rows costs one lookup per
// relation level rather than one per row. Indirect back-reference paths
// (collection_via_field) are not supported.
func (e *Engine) expand(ctx context.Context, service string, records []types.Record, expandExpr string, depth int) error {
	if depth >= maxExpandDepth {
		return fmt.Errorf("expand depth exceeds %d levels", maxExpandDepth)
	}

	// Group dotted paths by their leading relation: "author.company,author.country"
	// resolves author once and forwards both tails.
	tails := map[string][]string{}
	for _, path := range strings.Split(expandExpr, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		head, tail, _ := strings.Cut(path, ".")
		if strings.Contains(head, "_via_") {
			return fmt.Errorf("indirect expand %q is not supported", head)
		}
		if tail != "" {
			tails[head] = append(tails[head], tail)
		} else if _, ok := tails[head]; !ok {
			tails[head] = nil
		}
	}

	for head, subPaths := range tails {
		if err := e.expandRelation(ctx, service, records, head, subPaths, depth); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) expandRelation(ctx context.Context, service string, records []types.Record, relName string, subPaths []string, depth int) error {
	col := e.schemas.ByName(service)
	if col == nil {
		return &types.SchemaMissingError{Collection: service}
	}
	field := col.Field(relName)
	if field == nil {
		e.logger.Printf("WARNING: expand %q skipped: no such field on %s", relName, service)
		return nil
	}
	target := e.schemas.ByID(field.Options.CollectionID)
	if target == nil {
		return &types.SchemaMissingError{Collection: field.Options.CollectionID}
	}
	single := field.Single()

	// Collect every referenced id across the result set.
	idSet := map[string]bool{}
	for _, rec := range records {
		for _, id := range relationIDs(rec[relName]) {
			idSet[id] = true
		}
	}

	related := map[string]types.Record{}
	if len(idSet) > 0 {
		parts := make([]string, 0, len(idSet))
		for id := range idSet {
			parts = append(parts, fmt.Sprintf("id = '%s'", id))
		}
		sub, err := e.querySQL(ctx, target.Name, Options{Filter: strings.Join(parts, " || ")})
		if err != nil {
			return fmt.Errorf("failed to expand %s.%s: %w", service, relName, err)
		}
		if len(subPaths) > 0 && len(sub) > 0 {
			if err := e.expand(ctx, target.Name, sub, strings.Join(subPaths, ","), depth+1); err != nil {
				return err
			}
		}
		for _, r := range sub {
			related[r.ID()] = r
		}
	}

	// Attach in the server's shape: object or null for single relations,
	// list for multi relations.
	for _, rec := range records {
		exp, _ := rec["expand"].(map[string]any)
		if exp == nil {
			exp = map[string]any{}
			rec["expand"] = exp
		}

		ids := relationIDs(rec[relName])
		if single {
			var value any
			if len(ids) > 0 {
				if r, ok := related[ids[0]]; ok {
					value = map[string]any(r)
				}
			}
			exp[relName] = value
			continue
		}

		list := make([]any, 0, len(ids))
		for _, id := range ids {
			if r, ok := related[id]; ok {
				list = append(list, map[string]any(r))
			}
		}
		exp[relName] = list
	}
	return nil
}

// relationIDs normalizes a relation field value to a list of ids.
func relationIDs(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return val
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
