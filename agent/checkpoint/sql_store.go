package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/internal/database"
)

// checkpointRow 每个会话的最新状态
type checkpointRow struct {
	SessionID string    `gorm:"primaryKey;size:191"`
	UserID    string    `gorm:"size:191;index"`
	Version   int64     `gorm:"not null"`
	Turn      int       `gorm:"not null;default:0"`
	State     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (checkpointRow) TableName() string { return "checkpoints" }

// checkpointVersionRow 历史版本
type checkpointVersionRow struct {
	ID        uint      `gorm:"primaryKey"`
	SessionID string    `gorm:"size:191;not null;uniqueIndex:idx_checkpoint_session_version"`
	Version   int64     `gorm:"not null;uniqueIndex:idx_checkpoint_session_version"`
	State     string    `gorm:"type:text;not null"`
	SavedAt   time.Time `gorm:"not null"`
}

func (checkpointVersionRow) TableName() string { return "checkpoint_versions" }

// SQLStore 基于 GORM 的检查点存储，支持 postgres、mysql、sqlite
type SQLStore struct {
	pool     *database.PoolManager
	ownsPool bool
	limit    int
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSQLStore 创建存储并自动迁移表结构
func NewSQLStore(pool *database.PoolManager, historyLimit int, logger *zap.Logger) (*SQLStore, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyLimit <= 0 {
		historyLimit = 1
	}
	if err := pool.DB().AutoMigrate(&checkpointRow{}, &checkpointVersionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint tables: %w", err)
	}
	return &SQLStore{
		pool:   pool,
		limit:  historyLimit,
		logger: logger.With(zap.String("component", "checkpoint_sql")),
	}, nil
}

func (q *SQLStore) checkOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save 在一个事务中更新最新状态、追加历史版本并裁剪
func (q *SQLStore) Save(ctx context.Context, sessionID string, s *state.ConversationState) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	if err := validSession(sessionID); err != nil {
		return err
	}
	enc, err := encode(sessionID, s)
	if err != nil {
		return err
	}
	data := string(enc.data)

	err = q.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		row := checkpointRow{
			SessionID: sessionID,
			UserID:    s.UserID,
			Version:   enc.version,
			Turn:      s.Turn,
			State:     data,
			UpdatedAt: enc.savedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "version", "turn", "state", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}

		if err := tx.Where("session_id = ? AND version >= ?", sessionID, enc.version).
			Delete(&checkpointVersionRow{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&checkpointVersionRow{
			SessionID: sessionID,
			Version:   enc.version,
			State:     data,
			SavedAt:   enc.savedAt,
		}).Error; err != nil {
			return err
		}

		cutoff := enc.version - int64(q.limit)
		return tx.Where("session_id = ? AND version <= ?", sessionID, cutoff).
			Delete(&checkpointVersionRow{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.Version = enc.version
	return nil
}

// Load 加载最新状态
func (q *SQLStore) Load(ctx context.Context, sessionID string) (*state.ConversationState, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	var row checkpointRow
	err := q.pool.DB().WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return state.Unmarshal([]byte(row.State))
}

// Delete 删除会话及其历史
func (q *SQLStore) Delete(ctx context.Context, sessionID string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	return q.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&checkpointVersionRow{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", sessionID).Delete(&checkpointRow{}).Error
	})
}

// History 版本倒序
func (q *SQLStore) History(ctx context.Context, sessionID string, limit int) ([]Snapshot, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	var rows []checkpointVersionRow
	err := q.pool.DB().WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("version DESC").
		Limit(historyLimit(limit, q.limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := decodeSnapshot(sessionID, row.Version, row.SavedAt, []byte(row.State))
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Ping 存活检查
func (q *SQLStore) Ping(ctx context.Context) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	return q.pool.Ping(ctx)
}

// Close 关闭；仅在由工厂创建连接池时一并关闭
func (q *SQLStore) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.ownsPool {
		return q.pool.Close()
	}
	return nil
}
