// Package store provides the durable storage interface for agents, sessions
// and session activities, with an in-memory implementation (JSON snapshot
// persistence) and a SQLite implementation built on gorm.
package store

import (
	"context"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
)

// Store is the primary storage interface. The session record it holds is
// the source of truth whenever it disagrees with in-process caches.
type Store interface {
	AgentStore
	SessionStore
	ActivityStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates tables and views.
	Migrate(ctx context.Context) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*models.AgentRecord, error)
	ListAgents(ctx context.Context) ([]models.AgentRecord, error)
	// UpsertAgent inserts the agent or replaces the row with the same ID.
	UpsertAgent(ctx context.Context, agent *models.AgentRecord) error
	DeleteAgent(ctx context.Context, id string) error
}

// ── Session Store ───────────────────────────────────────────

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	AgentID  string
	Statuses []models.SessionStatus
	Limit    int
}

// Matches reports whether s passes the filter (ignoring Limit).
func (f SessionFilter) Matches(s *models.Session) bool {
	if f.AgentID != "" && s.AgentID != f.AgentID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateSession(ctx context.Context, session *models.Session) error
	UpdateSession(ctx context.Context, session *models.Session) error
	// ListSessions returns matching sessions, most recent activity first.
	ListSessions(ctx context.Context, filter SessionFilter) ([]models.Session, error)
	// ListSessionsToHibernate reads the active_agent_sessions view: sessions
	// that are active or idle, whose agent allows auto-hibernation, and whose
	// last activity is older than the agent's idle timeout.
	ListSessionsToHibernate(ctx context.Context) ([]models.Session, error)
}

// OpenStatuses are the statuses of sessions that can still accept work.
var OpenStatuses = []models.SessionStatus{
	models.SessionActive,
	models.SessionIdle,
	models.SessionHibernated,
	models.SessionError,
}

// ── Activity Store ──────────────────────────────────────────

type ActivityStore interface {
	CreateActivity(ctx context.Context, activity *models.Activity) error
	// ListActivities returns a session's activities, oldest first.
	ListActivities(ctx context.Context, sessionID string, limit int) ([]models.Activity, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when creating an entity whose key already exists.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}

// ShouldHibernate is the predicate behind the active_agent_sessions view.
func ShouldHibernate(s *models.Session, cfg models.SessionConfig, now time.Time) bool {
	if s.Status != models.SessionActive && s.Status != models.SessionIdle {
		return false
	}
	if !cfg.AutoHibernate {
		return false
	}
	return !s.LastActivityAt.Add(cfg.IdleTimeout()).After(now)
}
