package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"cgraph/internal/config"
	"cgraph/internal/core/domain"
)

// Store is a GORM-backed SQLite implementation of domain.MessageStore and
// domain.MembershipRepository for local development.
type Store struct {
	db *gorm.DB
}

var (
	_ domain.MessageStore         = (*Store)(nil)
	_ domain.MembershipRepository = (*Store)(nil)
)

type roomModel struct {
	ID            string `gorm:"primaryKey"`
	CreatedAt     time.Time
	LastMessageAt *time.Time
}

func (roomModel) TableName() string { return "rooms" }

type memberModel struct {
	RoomID   string    `gorm:"primaryKey"`
	UserID   string    `gorm:"primaryKey"`
	JoinedAt time.Time `gorm:"autoCreateTime"`
}

func (memberModel) TableName() string { return "room_members" }

type messageModel struct {
	ID          string `gorm:"primaryKey"`
	RoomID      string `gorm:"index:idx_messages_room_created"`
	SenderID    string
	Content     string
	IsEncrypted bool
	CreatedAt   time.Time `gorm:"index:idx_messages_room_created"`
}

func (messageModel) TableName() string { return "messages" }

type reactionModel struct {
	MessageID string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
	Emoji     string `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (reactionModel) TableName() string { return "reactions" }

// NewStore opens a SQLite database at the configured path. ":memory:" is
// accepted for tests.
func NewStore(cfg *config.SQLiteConfig) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// A single connection keeps an in-memory database shared and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies schema updates.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&roomModel{}, &memberModel{}, &messageModel{}, &reactionModel{})
}

// AddMember creates the room if needed and adds userID to it.
func (s *Store) AddMember(ctx context.Context, userID, roomID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&roomModel{ID: roomID}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&memberModel{RoomID: roomID, UserID: userID}).Error
	})
}

func (s *Store) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	if userID == "" {
		return false, domain.ErrInvalidUserID
	}
	if roomID == "" {
		return false, domain.ErrInvalidRoomID
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&memberModel{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) PersistMessage(ctx context.Context, roomID, senderID, content string, encrypted bool) (string, error) {
	if roomID == "" {
		return "", domain.ErrInvalidRoomID
	}
	if senderID == "" {
		return "", domain.ErrInvalidUserID
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg := messageModel{
			ID:          id.String(),
			RoomID:      roomID,
			SenderID:    senderID,
			Content:     content,
			IsEncrypted: encrypted,
			CreatedAt:   now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&roomModel{}).Where("id = ?", roomID).Update("last_message_at", now).Error
	})
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Store) MessageInRoom(ctx context.Context, roomID, messageID string) (bool, error) {
	var model messageModel
	err := s.db.WithContext(ctx).Select("id").Where("id = ? AND room_id = ?", messageID, roomID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PersistReaction is idempotent per (message, user, emoji).
func (s *Store) PersistReaction(ctx context.Context, messageID, userID, emoji string) error {
	r := reactionModel{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&r).Error
}
