// Package store owns the persisted conversation lifecycle. It is the only
// component allowed to mutate Conversation records; everyone else receives
// copies.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/kanzaki/switchboard/internal/models"
)

// ErrSessionConflict is returned by BindExternalSession when the
// conversation already carries a different external session ID. The bound
// ID is write-once and never overwritten.
var ErrSessionConflict = errors.New("store: external session already bound to a different value")

// Store provides crash-safe conversation persistence over GORM/SQLite.
// Creation and archival for a given sourceKey are serialized with a per-key
// mutex so that concurrent callers can never produce two active
// conversations for the same source.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-sourceKey critical sections
}

// New creates a Store.
func New(db *gorm.DB, log zerolog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{
		db:    db,
		log:   log.With().Str("component", "store").Logger(),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// keyLock returns the mutex guarding writes for a sourceKey.
func (s *Store) keyLock(sourceKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sourceKey]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sourceKey] = l
	}
	return l
}

// ResolveActive returns a copy of the active conversation for sourceKey,
// or nil if none exists. Read-only.
func (s *Store) ResolveActive(sourceKey string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Where("source_key = ? AND status = ?", sourceKey, models.StatusActive).
		Order("created_at DESC").First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: resolve active for %s: %w", sourceKey, err)
	}
	return &conv, nil
}

// GetOrCreateActive returns the active conversation for sourceKey, creating
// one atomically if none exists. Concurrent calls for the same sourceKey
// observe the same conversation.
func (s *Store) GetOrCreateActive(sourceKey string) (*models.Conversation, error) {
	l := s.keyLock(sourceKey)
	l.Lock()
	defer l.Unlock()

	existing, err := s.ResolveActive(sourceKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return s.create(s.db, sourceKey)
}

// ArchiveActiveAndCreate archives the current active conversation for
// sourceKey (if any) and creates a fresh active one. Both writes happen in
// one transaction so concurrent readers never observe two active
// conversations, and a crash mid-operation leaves the prior state intact.
func (s *Store) ArchiveActiveAndCreate(sourceKey string) (*models.Conversation, error) {
	l := s.keyLock(sourceKey)
	l.Lock()
	defer l.Unlock()

	var created *models.Conversation
	err := s.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Conversation{}).
			Where("source_key = ? AND status = ?", sourceKey, models.StatusActive).
			Update("status", models.StatusArchived)
		if result.Error != nil {
			return fmt.Errorf("archive active: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			s.log.Info().Str("source", sourceKey).Msg("archived active conversation")
		}

		conv, err := s.create(tx, sourceKey)
		if err != nil {
			return err
		}
		created = conv
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: archive and create for %s: %w", sourceKey, err)
	}
	return created, nil
}

// BindExternalSession sets the conversation's external session ID. The
// field is write-once: binding the same value again is a no-op, binding a
// different value returns ErrSessionConflict.
func (s *Store) BindExternalSession(conversationID, externalSessionID string) error {
	if externalSessionID == "" {
		return fmt.Errorf("store: bind external session: empty session ID")
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.First(&conv, "id = ?", conversationID).Error; err != nil {
			return fmt.Errorf("load conversation %s: %w", conversationID, err)
		}

		switch conv.ExternalSessionID {
		case "":
			if err := tx.Model(&conv).
				Update("external_session_id", externalSessionID).Error; err != nil {
				return fmt.Errorf("bind: %w", err)
			}
			return nil
		case externalSessionID:
			return nil // idempotent rebind
		default:
			return ErrSessionConflict
		}
	})
	if err != nil {
		if errors.Is(err, ErrSessionConflict) {
			return ErrSessionConflict
		}
		return fmt.Errorf("store: bind external session: %w", err)
	}

	s.log.Debug().Str("conversation", conversationID).
		Str("session", externalSessionID).Msg("bound external session")
	return nil
}

// RecordTurn appends a turn audit record.
func (s *Store) RecordTurn(rec models.TurnRecord) error {
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("store: record turn: %w", err)
	}
	return nil
}

// CountActive returns the number of active conversations across all sources.
func (s *Store) CountActive() (int64, error) {
	var n int64
	if err := s.db.Model(&models.Conversation{}).
		Where("status = ?", models.StatusActive).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: count active: %w", err)
	}
	return n, nil
}

// ListActive returns all active conversations, newest first.
func (s *Store) ListActive() ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := s.db.Where("status = ?", models.StatusActive).
		Order("created_at DESC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("store: list active: %w", err)
	}
	return convs, nil
}

// create inserts a new active conversation for sourceKey. Callers must hold
// the key lock.
func (s *Store) create(tx *gorm.DB, sourceKey string) (*models.Conversation, error) {
	conv := models.Conversation{
		ID:        uuid.NewString(),
		SourceKey: sourceKey,
		Status:    models.StatusActive,
	}
	if err := tx.Create(&conv).Error; err != nil {
		return nil, fmt.Errorf("store: create conversation for %s: %w", sourceKey, err)
	}
	s.log.Info().Str("conversation", conv.ID).Str("source", sourceKey).
		Msg("created conversation")
	return &conv, nil
}
