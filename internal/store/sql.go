package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// activeSessionsView is the derived view the housekeeping sweep reads.
// Session timestamps are stored as unix milliseconds so the view can do
// the idle arithmetic in SQL. The policy columns come from
// models.ParseSessionConfig at write time, so both key spellings of a
// session_config resolve the same way they do in ShouldHibernate.
const activeSessionsView = `
CREATE VIEW active_agent_sessions AS
SELECT s.*,
       CASE WHEN s.status IN ('active', 'idle')
             AND COALESCE(a.auto_hibernate, 1) = 1
             AND s.last_activity_at + COALESCE(a.idle_timeout_ms, 1800000)
                 <= CAST(strftime('%s', 'now') AS INTEGER) * 1000
            THEN 1 ELSE 0 END AS should_hibernate
FROM agent_sessions s
LEFT JOIN agents a ON a.id = s.agent_id`

type agentRow struct {
	ID               string   `gorm:"column:id;primaryKey"`
	Name             string   `gorm:"column:name"`
	Type             string   `gorm:"column:type"`
	Capabilities     string   `gorm:"column:capabilities;type:text"`
	ExecutionMode    string   `gorm:"column:execution_mode"`
	Model            string   `gorm:"column:model"`
	Temperature      *float64 `gorm:"column:temperature"`
	MaxTokens        *int     `gorm:"column:max_tokens"`
	SystemPrompt     string   `gorm:"column:system_prompt;type:text"`
	KnowledgeSources string   `gorm:"column:knowledge_sources;type:text"`
	SessionConfig    string   `gorm:"column:session_config;type:text"`
	IdleTimeoutMs    *int64   `gorm:"column:idle_timeout_ms"`
	AutoHibernate    *bool    `gorm:"column:auto_hibernate"`
	Config           string   `gorm:"column:config;type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (agentRow) TableName() string { return "agents" }

type sessionRow struct {
	ID                  string  `gorm:"column:id;primaryKey"`
	AgentID             string  `gorm:"column:agent_id;index"`
	ExecutionMode       string  `gorm:"column:execution_mode"`
	SandboxID           *string `gorm:"column:sandbox_id"`
	Status              string  `gorm:"column:status;index"`
	ConversationContext string  `gorm:"column:conversation_context;type:text"`
	ExecutionCount      int     `gorm:"column:execution_count"`
	Metadata            string  `gorm:"column:metadata;type:text"`
	CreatedAtMs         int64   `gorm:"column:created_at"`
	UpdatedAtMs         int64   `gorm:"column:updated_at"`
	LastActivityMs      int64   `gorm:"column:last_activity_at;index"`
	HibernatedAtMs      *int64  `gorm:"column:hibernated_at"`
	StoppedAtMs         *int64  `gorm:"column:stopped_at"`
}

func (sessionRow) TableName() string { return "agent_sessions" }

type activityRow struct {
	Seq          uint      `gorm:"column:seq;primaryKey;autoIncrement"`
	ID           string    `gorm:"column:id;uniqueIndex"`
	SessionID    string    `gorm:"column:session_id;index"`
	ActivityType string    `gorm:"column:activity_type"`
	Input        string    `gorm:"column:input;type:text"`
	Output       string    `gorm:"column:output;type:text"`
	Timestamp    time.Time `gorm:"column:timestamp;index"`
}

func (activityRow) TableName() string { return "session_activities" }

// SQLStore implements Store on SQLite through gorm.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore opens (or creates) the SQLite database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(200 * time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("SQLite store opened")
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates the tables and the active_agent_sessions view.
func (s *SQLStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&agentRow{}, &sessionRow{}, &activityRow{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	if err := backfillSessionPolicy(db); err != nil {
		return fmt.Errorf("backfill session policy: %w", err)
	}
	if err := db.Exec("DROP VIEW IF EXISTS active_agent_sessions").Error; err != nil {
		return fmt.Errorf("drop active_agent_sessions view: %w", err)
	}
	if err := db.Exec(activeSessionsView).Error; err != nil {
		return fmt.Errorf("create active_agent_sessions view: %w", err)
	}
	return nil
}

// backfillSessionPolicy fills the derived policy columns for agents
// written before those columns existed.
func backfillSessionPolicy(db *gorm.DB) error {
	var rows []agentRow
	if err := db.Where("idle_timeout_ms IS NULL OR auto_hibernate IS NULL").Find(&rows).Error; err != nil {
		return err
	}
	for i := range rows {
		idle, auto := sessionPolicy(rows[i].toModel().SessionConfig)
		err := db.Model(&agentRow{}).Where("id = ?", rows[i].ID).
			Updates(map[string]interface{}{"idle_timeout_ms": idle, "auto_hibernate": auto}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// sessionPolicy resolves the columns active_agent_sessions evaluates.
func sessionPolicy(raw map[string]interface{}) (int64, bool) {
	cfg := models.ParseSessionConfig(raw)
	return cfg.IdleTimeout().Milliseconds(), cfg.AutoHibernate
}

// ── Agent Store ─────────────────────────────────────────────

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*models.AgentRecord, error) {
	var row agentRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (s *SQLStore) ListAgents(ctx context.Context) ([]models.AgentRecord, error) {
	var rows []agentRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]models.AgentRecord, 0, len(rows))
	for i := range rows {
		result = append(result, *rows[i].toModel())
	}
	return result, nil
}

func (s *SQLStore) UpsertAgent(ctx context.Context, agent *models.AgentRecord) error {
	row, err := agentRowFrom(agent)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "type", "capabilities", "execution_mode", "model", "temperature",
			"max_tokens", "system_prompt", "knowledge_sources", "session_config", "idle_timeout_ms",
			"auto_hibernate", "config", "updated_at",
		}),
	}).Create(row).Error
}

func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&agentRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	return nil
}

// ── Session Store ───────────────────────────────────────────

func (s *SQLStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *SQLStore) CreateSession(ctx context.Context, session *models.Session) error {
	row, err := sessionRowFrom(session)
	if err != nil {
		return err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", session.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return &ErrConflict{Entity: "session", Key: session.ID}
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *SQLStore) UpdateSession(ctx context.Context, session *models.Session) error {
	row, err := sessionRowFrom(session)
	if err != nil {
		return err
	}
	row.UpdatedAtMs = toMillis(time.Now())
	res := s.db.WithContext(ctx).Model(row).Select("*").Updates(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	return nil
}

func (s *SQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]models.Session, error) {
	q := s.db.WithContext(ctx).Model(&sessionRow{})
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []sessionRow
	if err := q.Order("last_activity_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return sessionsFromRows(rows)
}

func (s *SQLStore) ListSessionsToHibernate(ctx context.Context) ([]models.Session, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Table("active_agent_sessions").
		Where("should_hibernate = ?", 1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return sessionsFromRows(rows)
}

// ── Activity Store ──────────────────────────────────────────

func (s *SQLStore) CreateActivity(ctx context.Context, activity *models.Activity) error {
	input, err := marshalText(activity.Input, "null")
	if err != nil {
		return err
	}
	output, err := marshalText(activity.Output, "null")
	if err != nil {
		return err
	}
	ts := activity.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&activityRow{
		ID:           activity.ID,
		SessionID:    activity.SessionID,
		ActivityType: string(activity.Type),
		Input:        input,
		Output:       output,
		Timestamp:    ts,
	}).Error
}

func (s *SQLStore) ListActivities(ctx context.Context, sessionID string, limit int) ([]models.Activity, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []activityRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]models.Activity, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		a := models.Activity{
			ID:        r.ID,
			SessionID: r.SessionID,
			Type:      models.ActivityType(r.ActivityType),
			Timestamp: r.Timestamp,
		}
		_ = json.Unmarshal([]byte(r.Input), &a.Input)
		_ = json.Unmarshal([]byte(r.Output), &a.Output)
		result = append(result, a)
	}
	return result, nil
}

// ── Row conversion ──────────────────────────────────────────

func agentRowFrom(a *models.AgentRecord) (*agentRow, error) {
	caps, err := marshalText(a.Capabilities, "[]")
	if err != nil {
		return nil, err
	}
	ks, err := marshalText(a.KnowledgeSources, "[]")
	if err != nil {
		return nil, err
	}
	sc, err := marshalText(a.SessionConfig, "{}")
	if err != nil {
		return nil, err
	}
	cfg, err := marshalText(a.Config, "{}")
	if err != nil {
		return nil, err
	}
	idle, auto := sessionPolicy(a.SessionConfig)
	return &agentRow{
		ID:               a.ID,
		Name:             a.Name,
		Type:             a.Type,
		Capabilities:     caps,
		ExecutionMode:    string(a.ExecutionMode),
		Model:            a.Model,
		Temperature:      a.Temperature,
		MaxTokens:        a.MaxTokens,
		SystemPrompt:     a.SystemPrompt,
		KnowledgeSources: ks,
		SessionConfig:    sc,
		IdleTimeoutMs:    &idle,
		AutoHibernate:    &auto,
		Config:           cfg,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}, nil
}

func (r *agentRow) toModel() *models.AgentRecord {
	a := &models.AgentRecord{
		ID:            r.ID,
		Name:          r.Name,
		Type:          r.Type,
		ExecutionMode: models.ExecutionMode(r.ExecutionMode),
		Model:         r.Model,
		Temperature:   r.Temperature,
		MaxTokens:     r.MaxTokens,
		SystemPrompt:  r.SystemPrompt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	_ = json.Unmarshal([]byte(r.Capabilities), &a.Capabilities)
	_ = json.Unmarshal([]byte(r.KnowledgeSources), &a.KnowledgeSources)
	_ = json.Unmarshal([]byte(r.SessionConfig), &a.SessionConfig)
	_ = json.Unmarshal([]byte(r.Config), &a.Config)
	return a
}

func sessionRowFrom(s *models.Session) (*sessionRow, error) {
	conv := s.Context
	if conv == nil {
		conv = []models.ConversationMessage{}
	}
	ctxText, err := marshalText(conv, "[]")
	if err != nil {
		return nil, err
	}
	meta, err := marshalText(s.Metadata, "{}")
	if err != nil {
		return nil, err
	}
	row := &sessionRow{
		ID:                  s.ID,
		AgentID:             s.AgentID,
		ExecutionMode:       string(s.Mode),
		Status:              string(s.Status),
		ConversationContext: ctxText,
		ExecutionCount:      s.ExecutionCount,
		Metadata:            meta,
		CreatedAtMs:         toMillis(s.CreatedAt),
		UpdatedAtMs:         toMillis(s.UpdatedAt),
		LastActivityMs:      toMillis(s.LastActivityAt),
	}
	if s.SandboxID != "" {
		id := s.SandboxID
		row.SandboxID = &id
	}
	if s.HibernatedAt != nil {
		ms := toMillis(*s.HibernatedAt)
		row.HibernatedAtMs = &ms
	}
	if s.StoppedAt != nil {
		ms := toMillis(*s.StoppedAt)
		row.StoppedAtMs = &ms
	}
	return row, nil
}

func (r *sessionRow) toModel() (*models.Session, error) {
	s := &models.Session{
		ID:             r.ID,
		AgentID:        r.AgentID,
		Mode:           models.ExecutionMode(r.ExecutionMode),
		Status:         models.SessionStatus(r.Status),
		ExecutionCount: r.ExecutionCount,
		CreatedAt:      fromMillis(r.CreatedAtMs),
		UpdatedAt:      fromMillis(r.UpdatedAtMs),
		LastActivityAt: fromMillis(r.LastActivityMs),
	}
	if r.SandboxID != nil {
		s.SandboxID = *r.SandboxID
	}
	if r.HibernatedAtMs != nil {
		t := fromMillis(*r.HibernatedAtMs)
		s.HibernatedAt = &t
	}
	if r.StoppedAtMs != nil {
		t := fromMillis(*r.StoppedAtMs)
		s.StoppedAt = &t
	}
	if err := json.Unmarshal([]byte(r.ConversationContext), &s.Context); err != nil {
		return nil, fmt.Errorf("decode conversation_context for session %s: %w", r.ID, err)
	}
	if r.Metadata != "" {
		_ = json.Unmarshal([]byte(r.Metadata), &s.Metadata)
	}
	return s, nil
}

func sessionsFromRows(rows []sessionRow) ([]models.Session, error) {
	result := make([]models.Session, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, nil
}

func marshalText(v interface{}, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
