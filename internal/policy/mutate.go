package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pocketsync/pocketsync/internal/remote"
	"github.com/pocketsync/pocketsync/internal/types"
)

// Create inserts a record under the given policy.
//
// Buffered files ride along: on a cache write they are stored under their
// original names (so offline reads see the record exactly as written), and
// after a server success they are re-cached under the server's renamed
// filenames.
func (e *Engine) Create(ctx context.Context, p types.Policy, service string, body types.Record, files []remote.File) (types.Record, error) {
	switch p {
	case types.CacheOnly:
		local := body.Clone()
		local.SetFlags(false, false, false)
		local[types.FlagNoSync] = true
		applyFileNames(local, files)
		rec, err := e.cache.CreateRow(ctx, service, local, e.validate)
		if err != nil {
			return nil, err
		}
		if err := e.cacheFiles(ctx, rec.ID(), files); err != nil {
			return nil, err
		}
		return rec, nil

	case types.NetworkOnly:
		if !e.online() {
			return nil, types.ErrOffline
		}
		return e.remote.Create(ctx, service, body, files, nil)

	case types.CacheFirst:
		local := body.Clone()
		local.SetFlags(false, true, false)
		applyFileNames(local, files)
		rec, err := e.cache.CreateRow(ctx, service, local, e.validate)
		if err != nil {
			return nil, err
		}
		if err := e.cacheFiles(ctx, rec.ID(), files); err != nil {
			return nil, err
		}
		if e.online() {
			sendBody := rec.StripServerManaged()
			e.spawn("create "+service, func(ctx context.Context) {
				e.backgroundCreate(ctx, service, rec.ID(), sendBody, files)
			})
		}
		return rec, nil

	case types.NetworkFirst:
		if !e.online() {
			return nil, types.ErrOffline
		}
		serverRec, err := e.remote.Create(ctx, service, body, files, nil)
		if types.IsRemoteStatus(err, 400) && body.ID() != "" {
			// The id may already exist server-side; retry as an update.
			serverRec, err = e.remote.Update(ctx, service, body.ID(), body, files, nil)
		}
		if err != nil {
			return nil, err
		}
		if err := e.cacheServerRecord(ctx, service, "", serverRec, files); err != nil {
			return nil, err
		}
		return serverRec, nil

	case types.CacheAndNetwork:
		local := body.Clone()
		if local.ID() == "" {
			local.SetID(types.NewID())
		}

		if e.online() {
			serverRec, err := e.remote.Create(ctx, service, local.StripServerManaged(), files, nil)
			if types.IsRemoteStatus(err, 400) {
				serverRec, err = e.remote.Update(ctx, service, local.ID(), local.StripServerManaged(), files, nil)
			}
			if err == nil {
				if cerr := e.cacheServerRecord(ctx, service, local.ID(), serverRec, files); cerr != nil {
					return nil, cerr
				}
				return serverRec, nil
			}
			e.logger.Printf("WARNING: create %s/%s fell back to cache: %v", service, local.ID(), err)
		}

		local.SetFlags(false, true, false)
		applyFileNames(local, files)
		rec, err := e.cache.CreateRow(ctx, service, local, e.validate)
		if err != nil {
			return nil, err
		}
		if err := e.cacheFiles(ctx, rec.ID(), files); err != nil {
			return nil, err
		}
		return rec, nil

	default:
		return nil, fmt.Errorf("unknown request policy %v", p)
	}
}

// Update modifies a record under the given policy.
func (e *Engine) Update(ctx context.Context, p types.Policy, service, id string, body types.Record, files []remote.File) (types.Record, error) {
	switch p {
	case types.CacheOnly:
		overlay := body.Clone()
		overlay.SetFlags(false, false, overlay.Deleted())
		overlay[types.FlagNoSync] = true
		applyFileNames(overlay, files)
		rec, err := e.cache.UpdateRow(ctx, service, id, overlay, e.validate)
		if err != nil {
			return nil, err
		}
		if err := e.cacheFiles(ctx, id, files); err != nil {
			return nil, err
		}
		return rec, nil

	case types.NetworkOnly:
		if !e.online() {
			return nil, types.ErrOffline
		}
		return e.remote.Update(ctx, service, id, body, files, nil)

	case types.CacheFirst:
		overlay := body.Clone()
		overlay.SetFlags(false, false, false)
		applyFileNames(overlay, files)
		rec, err := e.cache.UpdateRow(ctx, service, id, overlay, e.validate)
		if err != nil {
			return nil, err
		}
		if err := e.cacheFiles(ctx, id, files); err != nil {
			return nil, err
		}
		if e.online() {
			sendBody := rec.StripServerManaged()
			e.spawn("update "+service+"/"+id, func(ctx context.Context) {
				e.backgroundUpdate(ctx, service, id, sendBody, files)
			})
		}
		return rec, nil

	case types.NetworkFirst:
		if !e.online() {
			return nil, types.ErrOffline
		}
		serverRec, err := e.updateWithCreateFallback(ctx, service, id, body, files)
		if err != nil {
			return nil, err
		}
		if err := e.cacheServerRecord(ctx, service, id, serverRec, files); err != nil {
			return nil, err
		}
		return serverRec, nil

	case types.CacheAndNetwork:
		if e.online() {
			serverRec, err := e.updateWithCreateFallback(ctx, service, id, body, files)
			if err == nil {
				if cerr := e.cacheServerRecord(ctx, service, id, serverRec, files); cerr != nil {
					return nil, cerr
				}
				return serverRec, nil
			}
			e.logger.Printf("WARNING: update %s/%s fell back to cache: %v", service, id, err)
		}

		overlay := body.Clone()
		overlay.SetFlags(false, false, overlay.Deleted())
		applyFileNames(overlay, files)
		rec, err := e.cache.UpdateRow(ctx, service, id, overlay, e.validate)
		if err != nil {
			return nil, err
		}
		if err := e.cacheFiles(ctx, id, files); err != nil {
			return nil, err
		}
		return rec, nil

	default:
		return nil, fmt.Errorf("unknown request policy %v", p)
	}
}

// Delete removes a record under the given policy.
func (e *Engine) Delete(ctx context.Context, p types.Policy, service, id string) error {
	switch p {
	case types.CacheOnly:
		// Tombstone through the cache-only update path; no row removal.
		_, err := e.Update(ctx, types.CacheOnly, service, id, types.Record{types.FlagDeleted: true}, nil)
		return err

	case types.NetworkOnly:
		if !e.online() {
			return types.ErrOffline
		}
		return e.remote.Delete(ctx, service, id)

	case types.CacheFirst:
		// Instant local removal; the remote delete runs out-of-band and a
		// failure there is only logged, because no local state remains to
		// retry from.
		if err := e.cache.DeleteRow(ctx, service, id); err != nil {
			return err
		}
		if e.online() {
			e.spawn("delete "+service+"/"+id, func(ctx context.Context) {
				if err := e.remote.Delete(ctx, service, id); err != nil {
					e.logger.Printf("WARNING: background delete of %s/%s failed: %v", service, id, err)
				}
			})
		}
		return nil

	case types.NetworkFirst:
		if !e.online() {
			return types.ErrOffline
		}
		if err := e.remote.Delete(ctx, service, id); err != nil {
			return err
		}
		return e.cache.DeleteRow(ctx, service, id)

	case types.CacheAndNetwork:
		if e.online() {
			err := e.remote.Delete(ctx, service, id)
			if err == nil {
				return e.cache.DeleteRow(ctx, service, id)
			}
			e.logger.Printf("WARNING: delete %s/%s fell back to tombstone: %v", service, id, err)
		}
		overlay := types.Record{}
		overlay.SetFlags(false, false, true)
		_, err := e.cache.UpdateRow(ctx, service, id, overlay, false)
		return err

	default:
		return fmt.Errorf("unknown request policy %v", p)
	}
}

// updateWithCreateFallback retries a strict update as a create-with-id when
// the server reports the record missing (404) or the patch malformed for a
// row that does not exist (400).
func (e *Engine) updateWithCreateFallback(ctx context.Context, service, id string, body types.Record, files []remote.File) (types.Record, error) {
	serverRec, err := e.remote.Update(ctx, service, id, body, files, nil)
	if types.IsRemoteStatus(err, 404) || types.IsRemoteStatus(err, 400) {
		createBody := body.Clone()
		createBody.SetID(id)
		return e.remote.Create(ctx, service, createBody.StripServerManaged(), files, nil)
	}
	return serverRec, err
}

// backgroundCreate pushes a cacheFirst create to the server and overwrites
// the local row with the server-canonical result.
func (e *Engine) backgroundCreate(ctx context.Context, service, localID string, body types.Record, files []remote.File) {
	serverRec, err := e.remote.Create(ctx, service, body, files, nil)
	if types.IsRemoteStatus(err, 400) {
		serverRec, err = e.remote.Update(ctx, service, localID, body, files, nil)
	}
	if err != nil {
		e.logger.Printf("WARNING: background create of %s/%s failed, row stays pending: %v", service, localID, err)
		return
	}
	if err := e.cacheServerRecord(ctx, service, localID, serverRec, files); err != nil {
		e.logger.Printf("WARNING: failed to cache server record %s/%s: %v", service, serverRec.ID(), err)
	}
}

func (e *Engine) backgroundUpdate(ctx context.Context, service, id string, body types.Record, files []remote.File) {
	serverRec, err := e.updateWithCreateFallback(ctx, service, id, body, files)
	if err != nil {
		e.logger.Printf("WARNING: background update of %s/%s failed, row stays pending: %v", service, id, err)
		return
	}
	if err := e.cacheServerRecord(ctx, service, id, serverRec, files); err != nil {
		e.logger.Printf("WARNING: failed to cache server record %s/%s: %v", service, id, err)
	}
}

// cacheServerRecord lands a server-confirmed record in the cache, marking
// it synced, reconciling a changed id, and re-caching uploaded file bytes
// under the server's filenames.
func (e *Engine) cacheServerRecord(ctx context.Context, service, localID string, serverRec types.Record, files []remote.File) error {
	rec := serverRec.Clone()
	rec.SetFlags(true, false, false)

	if localID != "" && rec.ID() != "" && rec.ID() != localID {
		// The server rejected our id and assigned its own: drop the local
		// row so exactly one copy remains.
		e.logger.Printf("WARNING: server re-assigned id %s -> %s for %s", localID, rec.ID(), service)
		if err := e.cache.DeleteRow(ctx, service, localID); err != nil {
			return fmt.Errorf("failed to drop superseded row %s/%s: %w", service, localID, err)
		}
	}

	if err := e.cache.SetLocal(ctx, service, []types.Record{rec}); err != nil {
		return err
	}

	for _, f := range files {
		serverName := matchServerFilename(f.Name, rec[f.Field])
		if serverName == "" {
			e.logger.Printf("WARNING: uploaded file %q not present on server record %s", f.Name, rec.ID())
			continue
		}
		if err := e.cache.SetFile(ctx, rec.ID(), serverName, f.Data, nil); err != nil {
			return err
		}
	}
	return nil
}

// cacheFiles stores buffered uploads under their original names for a
// locally written row.
func (e *Engine) cacheFiles(ctx context.Context, recordID string, files []remote.File) error {
	for _, f := range files {
		if err := e.cache.SetFile(ctx, recordID, f.Name, f.Data, nil); err != nil {
			return err
		}
	}
	return nil
}

// applyFileNames records the original filenames on the row's file fields so
// an offline read sees the names the caller wrote.
func applyFileNames(body types.Record, files []remote.File) {
	byField := map[string][]string{}
	for _, f := range files {
		byField[f.Field] = append(byField[f.Field], f.Name)
	}
	for field, names := range byField {
		if len(names) == 1 {
			body[field] = names[0]
		} else {
			body[field] = names
		}
	}
}

// matchServerFilename finds the server's name for an uploaded file: the
// exact original name, or a name derived from it as <stem>_<nonce><ext>.
func matchServerFilename(original string, fieldValue any) string {
	names := fileFieldNames(fieldValue)
	for _, name := range names {
		if name == original {
			return name
		}
	}
	ext := filepath.Ext(original)
	stem := strings.TrimSuffix(original, ext)
	for _, name := range names {
		if strings.HasPrefix(name, stem+"_") {
			return name
		}
	}
	return ""
}

func fileFieldNames(v any) []string {
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
