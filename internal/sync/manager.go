// Package sync drains pending local changes to the server.
//
// The manager listens for connectivity rising edges and app-resume signals,
// snapshots the pending rows, and replays them through the policy engine
// with the resilient cacheAndNetwork policy. One drain runs at a time;
// triggers that arrive mid-drain coalesce into the running pass, and rows
// that fail stay pending for the next one.
package sync

import (
	"context"
	"log"
	"os"
	gosync "sync"

	"github.com/pocketsync/pocketsync/internal/connectivity"
	"github.com/pocketsync/pocketsync/internal/policy"
	"github.com/pocketsync/pocketsync/internal/schema"
	"github.com/pocketsync/pocketsync/internal/store"
	"github.com/pocketsync/pocketsync/internal/types"
)

// reservedServices never take part in a drain.
var reservedServices = map[string]bool{
	schema.SchemaCollection: true,
}

// Manager owns the pending-change replay loop.
type Manager struct {
	store  *store.Store
	engine *policy.Engine
	conn   connectivity.Source
	logger *log.Logger

	mu      gosync.Mutex
	current chan struct{} // closed when the running drain completes

	wg gosync.WaitGroup
}

// New creates a sync manager. If logger is nil, a default logger writing to
// stderr is used.
func New(st *store.Store, engine *policy.Engine, conn connectivity.Source, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Manager{
		store:  st,
		engine: engine,
		conn:   conn,
		logger: logger,
	}
}

// Start watches connectivity and triggers a drain on every rising edge.
// It returns after spawning the watcher; Stop by cancelling ctx.
func (m *Manager) Start(ctx context.Context) {
	changes, cancel := m.conn.Subscribe()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case online, ok := <-changes:
				if !ok {
					return
				}
				if online {
					m.logger.Printf("Connectivity restored, draining pending changes")
					m.Trigger(ctx)
				}
			}
		}
	}()
}

// NotifyResume triggers a drain if the app resumed while online.
func (m *Manager) NotifyResume(ctx context.Context) {
	if m.conn.Online() {
		m.Trigger(ctx)
	}
}

// Trigger starts a drain unless one is already running, in which case the
// running drain absorbs the trigger. The returned channel closes when the
// (possibly pre-existing) drain finishes.
func (m *Manager) Trigger(ctx context.Context) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current
	}

	done := make(chan struct{})
	m.current = done

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.current = nil
			m.mu.Unlock()
			close(done)
		}()
		m.drain(ctx)
	}()
	return done
}

// Wait blocks until the in-flight drain (if any) completes.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.current
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for the watcher and any running drain to stop. Call after
// cancelling the context passed to Start.
func (m *Manager) Shutdown() {
	m.wg.Wait()
}

// drain replays every pending row. The pending set is a point-in-time
// snapshot; rows written mid-drain wait for the next cycle.
func (m *Manager) drain(ctx context.Context) {
	services, err := m.store.PendingServices(ctx)
	if err != nil {
		m.logger.Printf("WARNING: failed to enumerate pending services: %v", err)
		return
	}

	var replayed, failed int
	for _, service := range services {
		if reservedServices[service] {
			continue
		}

		rows, err := m.store.PendingRows(ctx, service)
		if err != nil {
			m.logger.Printf("WARNING: failed to load pending rows for %s: %v", service, err)
			continue
		}

		for _, row := range rows {
			if ctx.Err() != nil {
				return
			}
			if err := m.replay(ctx, service, row); err != nil {
				m.logger.Printf("WARNING: failed to replay %s/%s: %v", service, row.ID(), err)
				failed++
				continue
			}
			replayed++
		}
	}

	if replayed > 0 || failed > 0 {
		m.logger.Printf("Drain complete: replayed=%d failed=%d", replayed, failed)
	}
}

// replay pushes one pending row: tombstones delete, locally created rows
// create with their local id, everything else updates.
func (m *Manager) replay(ctx context.Context, service string, row types.Record) error {
	switch {
	case row.Deleted():
		return m.engine.Delete(ctx, types.CacheAndNetwork, service, row.ID())

	case row.IsNew():
		body := row.StripServerManaged()
		delete(body, types.FlagNoSync)
		_, err := m.engine.Create(ctx, types.CacheAndNetwork, service, body, nil)
		return err

	default:
		_, err := m.engine.Update(ctx, types.CacheAndNetwork, service, row.ID(), row.StripServerManaged(), nil)
		return err
	}
}
