package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/chathub/internal/protocol"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// messageRecord is the GORM model of a stored message.
type messageRecord struct {
	ID         string    `gorm:"primarykey;size:36"`
	RoomID     string    `gorm:"size:128;not null;uniqueIndex:idx_room_sequence"`
	Sequence   uint64    `gorm:"not null;uniqueIndex:idx_room_sequence"`
	SenderID   string    `gorm:"size:128;not null"`
	SenderName string    `gorm:"size:128;not null"`
	Body       string    `gorm:"not null"`
	SentAt     time.Time `gorm:"not null"`
}

// TableName returns the table name for messageRecord.
func (messageRecord) TableName() string {
	return "messages"
}

func (r messageRecord) message() protocol.Message {
	return protocol.Message{
		ID:       r.ID,
		Room:     r.RoomID,
		Sender:   protocol.User{ID: r.SenderID, Name: r.SenderName},
		Body:     r.Body,
		SentAt:   r.SentAt.UTC(),
		Sequence: r.Sequence,
	}
}

// Gorm stores messages through GORM, on SQLite.
type Gorm struct {
	db *gorm.DB
}

// NewGorm opens the SQLite database at path (":memory:" for an ephemeral
// one) and migrates the schema.
func NewGorm(path string) (*Gorm, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; an in-memory database also exists per
	// connection only.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&messageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate messages table: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) Persist(ctx context.Context, msg protocol.Message) (string, error) {
	record := messageRecord{
		ID:         msg.ID,
		RoomID:     msg.Room,
		Sequence:   msg.Sequence,
		SenderID:   msg.Sender.ID,
		SenderName: msg.Sender.Name,
		Body:       msg.Body,
		SentAt:     msg.SentAt.UTC(),
	}
	if err := g.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", fmt.Errorf("%w: room %q sequence %d", ErrDuplicateSequence, msg.Room, msg.Sequence)
		}
		return "", fmt.Errorf("failed to insert message: %w", err)
	}
	return record.ID, nil
}

func (g *Gorm) FetchHistory(ctx context.Context, room string, before uint64, limit int) ([]protocol.Message, error) {
	query := g.db.WithContext(ctx).Where("room_id = ?", room)
	if before > 0 {
		query = query.Where("sequence < ?", before)
	}

	var records []messageRecord
	if err := query.Order("sequence DESC").Limit(ClampLimit(limit)).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	msgs := make([]protocol.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, r.message())
	}
	reverse(msgs)
	return msgs, nil
}

func (g *Gorm) LastSequence(ctx context.Context, room string) (uint64, error) {
	var last uint64
	err := g.db.WithContext(ctx).
		Model(&messageRecord{}).
		Where("room_id = ?", room).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return last, nil
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
