package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatforge/chatforge/config"
	"github.com/chatforge/chatforge/types"
)

// GormStore 基于 GORM 的持久化实现，支持 sqlite 与 postgres。
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore 打开数据库连接并自动迁移表结构。
func NewGormStore(cfg config.DatabaseConfig, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}

	if err := db.AutoMigrate(
		&types.Conversation{},
		&types.ChatMessage{},
		&types.ConversationSummary{},
		&types.FlowSession{},
		&types.WorkflowState{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	logger.Info("database initialized", zap.String("driver", cfg.Driver))
	return &GormStore{db: db, logger: logger.With(zap.String("component", "persistence"))}, nil
}

// Close 关闭底层连接池。
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) SaveConversation(ctx context.Context, conv *types.Conversation) error {
	err := s.db.WithContext(ctx).
		Session(&gorm.Session{FullSaveAssociations: true}).
		Save(conv).Error
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *GormStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var conv types.Conversation
	err := s.db.WithContext(ctx).
		Preload("Messages").
		Preload("Summaries").
		First(&conv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	tx := s.db.WithContext(ctx)
	if err := tx.Where("conversation_id = ?", id).Delete(&types.ChatMessage{}).Error; err != nil {
		return fmt.Errorf("delete conversation messages: %w", err)
	}
	if err := tx.Where("conversation_id = ?", id).Delete(&types.ConversationSummary{}).Error; err != nil {
		return fmt.Errorf("delete conversation summaries: %w", err)
	}
	if err := tx.Delete(&types.Conversation{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *GormStore) SaveSession(ctx context.Context, session *types.FlowSession) error {
	err := s.db.WithContext(ctx).
		Session(&gorm.Session{FullSaveAssociations: true}).
		Save(session).Error
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, id string) (*types.FlowSession, error) {
	var session types.FlowSession
	err := s.db.WithContext(ctx).
		Preload("Messages").
		First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

func (s *GormStore) ListSessionsByUser(ctx context.Context, userID string) ([]*types.FlowSession, error) {
	var sessions []*types.FlowSession
	err := s.db.WithContext(ctx).
		Preload("Messages").
		Where("user_id = ?", userID).
		Order("created_at").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (s *GormStore) SaveWorkflow(ctx context.Context, state *types.WorkflowState) error {
	if err := s.db.WithContext(ctx).Save(state).Error; err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (s *GormStore) GetWorkflow(ctx context.Context, sessionID string) (*types.WorkflowState, error) {
	var state types.WorkflowState
	err := s.db.WithContext(ctx).First(&state, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &state, nil
}
