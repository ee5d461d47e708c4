package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BaSui01/agentmesh/types"
)

// SQLSnapshotStore is a GORM-based implementation of SnapshotStore.
// Snapshots are stored as JSON payloads in a single table with indexed
// workflow id, status and capture time columns. SQLite is the default
// driver, which makes it a good fit for single-node deployments that
// need durable, queryable history.
type SQLSnapshotStore struct {
	db     *gorm.DB
	config StoreConfig
}

// snapshotRow is the database row for a stored snapshot
type snapshotRow struct {
	ID         uint      `gorm:"primaryKey"`
	SnapshotID string    `gorm:"size:64;uniqueIndex"`
	WorkflowID string    `gorm:"size:128;not null;index:idx_snapshot_workflow"`
	Status     string    `gorm:"size:32;not null"`
	Seq        int64     `gorm:"not null"`
	Payload    string    `gorm:"type:text;not null"`
	CapturedAt time.Time `gorm:"not null;index:idx_snapshot_captured"`
}

// TableName overrides the default table name
func (snapshotRow) TableName() string {
	return "workflow_snapshots"
}

// NewSQLSnapshotStore opens a database connection from the configuration
// and creates a new SQL-based snapshot store
func NewSQLSnapshotStore(config StoreConfig) (*SQLSnapshotStore, error) {
	var dialector gorm.Dialector
	switch config.SQL.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(config.SQL.DSN)
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s (supported: sqlite)", config.SQL.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	return NewSQLSnapshotStoreFromDB(db, config)
}

// NewSQLSnapshotStoreFromDB creates a new SQL-based snapshot store on an
// existing database connection. The schema is migrated automatically.
func NewSQLSnapshotStoreFromDB(db *gorm.DB, config StoreConfig) (*SQLSnapshotStore, error) {
	if db == nil {
		return nil, ErrInvalidInput
	}

	if err := db.AutoMigrate(&snapshotRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &SQLSnapshotStore{db: db, config: config}, nil
}

// Close closes the store
func (s *SQLSnapshotStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the store is healthy
func (s *SQLSnapshotStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveSnapshot appends a snapshot to its workflow's history
func (s *SQLSnapshotStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.WorkflowID == "" {
		return ErrInvalidInput
	}

	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}

	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Seq continues from the newest stored row
		var last snapshotRow
		err := tx.Where("workflow_id = ?", snap.WorkflowID).
			Order("seq DESC").
			First(&last).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			snap.Seq = 1
		case err != nil:
			return err
		default:
			snap.Seq = last.Seq + 1
		}

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}

		row := snapshotRow{
			SnapshotID: snap.ID,
			WorkflowID: snap.WorkflowID,
			Status:     string(snap.Status),
			Seq:        snap.Seq,
			Payload:    string(data),
			CapturedAt: snap.CapturedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		// Drop rows that fell out of the history window
		if limit := int64(s.config.HistoryLimit); limit > 0 && snap.Seq > limit {
			return tx.Where("workflow_id = ? AND seq <= ?", snap.WorkflowID, snap.Seq-limit).
				Delete(&snapshotRow{}).Error
		}

		return nil
	})
}

// decodeRow unmarshals a stored payload back into a snapshot
func (s *SQLSnapshotStore) decodeRow(row *snapshotRow) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(row.Payload), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetLatest retrieves the most recent snapshot of a workflow
func (s *SQLSnapshotStore) GetLatest(ctx context.Context, workflowID string) (*Snapshot, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("seq DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.decodeRow(&row)
}

// GetHistory retrieves all snapshots of a workflow in capture order
func (s *SQLSnapshotStore) GetHistory(ctx context.Context, workflowID string) ([]*Snapshot, error) {
	var rows []snapshotRow
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	result := make([]*Snapshot, 0, len(rows))
	for i := range rows {
		snap, err := s.decodeRow(&rows[i])
		if err != nil {
			continue
		}
		result = append(result, snap)
	}

	return result, nil
}

// ListWorkflows returns all workflow ids in lexicographic order
func (s *SQLSnapshotStore) ListWorkflows(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&snapshotRow{}).
		Distinct("workflow_id").
		Order("workflow_id ASC").
		Pluck("workflow_id", &ids).Error
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// DeleteWorkflow removes a workflow's entire snapshot history
func (s *SQLSnapshotStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	res := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Delete(&snapshotRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Cleanup removes histories of terminal workflows older than the specified duration
func (s *SQLSnapshotStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	count := 0

	ids, err := s.ListWorkflows(ctx)
	if err != nil {
		return 0, err
	}

	for _, workflowID := range ids {
		latest, err := s.GetLatest(ctx, workflowID)
		if err != nil {
			continue
		}
		if !latest.Status.IsTerminal() || latest.CapturedAt.After(cutoff) {
			continue
		}
		if err := s.DeleteWorkflow(ctx, workflowID); err == nil {
			count++
		}
	}

	return count, nil
}

// Stats returns statistics about the snapshot store
func (s *SQLSnapshotStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{
		StatusCounts: make(map[types.WorkflowStatus]int64),
	}

	err := s.db.WithContext(ctx).
		Model(&snapshotRow{}).
		Count(&stats.Snapshots).Error
	if err != nil {
		return nil, err
	}

	ids, err := s.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	stats.Workflows = int64(len(ids))

	for _, workflowID := range ids {
		latest, err := s.GetLatest(ctx, workflowID)
		if err != nil {
			continue
		}
		stats.StatusCounts[latest.Status]++
		if !latest.Status.IsTerminal() {
			stats.ActiveWorkflows++
		}
	}

	return stats, nil
}

// Ensure SQLSnapshotStore implements SnapshotStore
var _ SnapshotStore = (*SQLSnapshotStore)(nil)
