package coordinator

import (
	"context"
	"database/sql"
	"sync"

	"golang.org/x/sync/errgroup"

	"nexusServer/backend/internal/oplog"
)

// LogFactory builds the durable log for one project.
type LogFactory func(projectID string) oplog.Log

// MySQLLogFactory is the production factory.
func MySQLLogFactory(db *sql.DB) LogFactory {
	return func(projectID string) oplog.Log {
		return oplog.NewMySQLLog(db, projectID)
	}
}

// Arena owns one coordinator per project. Projects are fully
// independent: each actor serializes its own submissions, different
// projects run in parallel with nothing shared between them.
type Arena struct {
	mu        sync.RWMutex
	actors    map[string]*Coordinator
	logs      LogFactory
	snapshots SnapshotPersistence
	auth      Authorizer
	pub       Publisher
	opts      Options
}

func NewArena(logs LogFactory, snapshots SnapshotPersistence, auth Authorizer, pub Publisher, opts Options) *Arena {
	return &Arena{
		actors:    make(map[string]*Coordinator),
		logs:      logs,
		snapshots: snapshots,
		auth:      auth,
		pub:       pub,
		opts:      opts,
	}
}

// Project returns the coordinator for a project, spawning it on first
// use (the Idle -> Active transition).
func (a *Arena) Project(projectID string) *Coordinator {
	a.mu.RLock()
	c := a.actors[projectID]
	a.mu.RUnlock()
	if c != nil {
		return c
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c = a.actors[projectID]; c == nil {
		c = New(projectID, a.logs(projectID), a.snapshots, a.auth, a.pub, a.opts)
		a.actors[projectID] = c
	}
	return c
}

// Shutdown stops every actor, persisting final snapshots.
func (a *Arena) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	actors := a.actors
	a.actors = make(map[string]*Coordinator)
	a.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range actors {
		c := c
		g.Go(func() error { return c.Stop(ctx) })
	}
	return g.Wait()
}
