package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/config"
)

// MongoStore MongoDB 检查点存储。
// 最新状态按会话 upsert 到主集合，历史版本写入 <collection>_history。
type MongoStore struct {
	client  *mongo.Client
	latest  *mongo.Collection
	history *mongo.Collection
	limit   int
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

type mongoCheckpoint struct {
	SessionID string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Version   int64     `bson:"version"`
	Turn      int       `bson:"turn"`
	State     string    `bson:"state"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type mongoVersion struct {
	SessionID string    `bson:"session_id"`
	Version   int64     `bson:"version"`
	State     string    `bson:"state"`
	SavedAt   time.Time `bson:"saved_at"`
}

// NewMongoStore 连接 MongoDB 并确保历史索引存在
func NewMongoStore(ctx context.Context, cfg config.MongoConfig, historyLimit int, logger *zap.Logger) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyLimit <= 0 {
		historyLimit = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	m := &MongoStore{
		client:  client,
		latest:  db.Collection(cfg.Collection),
		history: db.Collection(cfg.Collection + "_history"),
		limit:   historyLimit,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "checkpoint_mongo")),
	}

	_, err = m.history.Indexes().CreateOne(pingCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "version", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create checkpoint index: %w", err)
	}
	return m, nil
}

func (m *MongoStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save upsert 最新状态并追加历史版本
func (m *MongoStore) Save(ctx context.Context, sessionID string, s *state.ConversationState) error {
	if err := m.checkOpen(); err != nil {
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

	_, err = m.history.ReplaceOne(ctx,
		bson.D{{Key: "session_id", Value: sessionID}, {Key: "version", Value: enc.version}},
		mongoVersion{SessionID: sessionID, Version: enc.version, State: data, SavedAt: enc.savedAt},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint version: %w", err)
	}
	_, err = m.latest.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: sessionID}},
		mongoCheckpoint{
			SessionID: sessionID,
			UserID:    s.UserID,
			Version:   enc.version,
			Turn:      s.Turn,
			State:     data,
			UpdatedAt: enc.savedAt,
		},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.Version = enc.version

	cutoff := enc.version - int64(m.limit)
	if _, err := m.history.DeleteMany(ctx, bson.D{
		{Key: "session_id", Value: sessionID},
		{Key: "version", Value: bson.D{{Key: "$lte", Value: cutoff}}},
	}); err != nil {
		m.logger.Warn("failed to trim checkpoint history",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	return nil
}

// Load 加载最新状态
func (m *MongoStore) Load(ctx context.Context, sessionID string) (*state.ConversationState, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var doc mongoCheckpoint
	err := m.latest.FindOne(ctx, bson.D{{Key: "_id", Value: sessionID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return state.Unmarshal([]byte(doc.State))
}

// Delete 删除会话及其历史
func (m *MongoStore) Delete(ctx context.Context, sessionID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, err := m.history.DeleteMany(ctx, bson.D{{Key: "session_id", Value: sessionID}}); err != nil {
		return err
	}
	_, err := m.latest.DeleteOne(ctx, bson.D{{Key: "_id", Value: sessionID}})
	return err
}

// History 版本倒序
func (m *MongoStore) History(ctx context.Context, sessionID string, limit int) ([]Snapshot, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetLimit(int64(historyLimit(limit, m.limit)))
	cur, err := m.history.Find(ctx, bson.D{{Key: "session_id", Value: sessionID}}, opts)
	if err != nil {
		return nil, err
	}
	var docs []mongoVersion
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Snapshot, 0, len(docs))
	for _, d := range docs {
		snap, err := decodeSnapshot(sessionID, d.Version, d.SavedAt, []byte(d.State))
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Ping 存活检查
func (m *MongoStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.client.Ping(ctx, readpref.Primary())
}

// Close 断开连接
func (m *MongoStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
