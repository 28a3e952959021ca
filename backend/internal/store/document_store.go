package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound     = errors.New("store: document not found")
	ErrAccessDenied = errors.New("store: access denied")
	ErrForbidden    = errors.New("store: write access required")
)

// Service is the document persistence contract the collaboration layer depends on.
type Service interface {
	// LoadDocument returns the stored state, possibly empty, or ErrNotFound / ErrAccessDenied.
	LoadDocument(ctx context.Context, docID, userID string) ([]byte, error)
	// SaveDocument returns ErrForbidden when the user may not write.
	SaveDocument(ctx context.Context, docID, userID string, state []byte) error
	HasWriteAccess(ctx context.Context, docID, userID string) (bool, error)
}

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Document{}, &Collaborator{})
}

func (s *DocumentStore) LoadDocument(ctx context.Context, docID, userID string) ([]byte, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("id = ?", docID).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	role, err := s.roleOf(ctx, &doc, userID)
	if err != nil {
		return nil, err
	}
	if role == "" {
		return nil, ErrAccessDenied
	}
	return doc.State, nil
}

func (s *DocumentStore) SaveDocument(ctx context.Context, docID, userID string, state []byte) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", docID).First(&doc).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		role, err := (&DocumentStore{db: tx}).roleOf(ctx, &doc, userID)
		if err != nil {
			return err
		}
		if !role.CanWrite() {
			return ErrForbidden
		}
		return tx.Model(&Document{}).Where("id = ?", docID).Update("state", state).Error
	})
}

func (s *DocumentStore) HasWriteAccess(ctx context.Context, docID, userID string) (bool, error) {
	var doc Document
	err := s.db.WithContext(ctx).Select("id", "owner_id").Where("id = ?", docID).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}
	role, err := s.roleOf(ctx, &doc, userID)
	if err != nil {
		return false, err
	}
	return role.CanWrite(), nil
}

// CreateDocument registers a document owned by ownerID.
func (s *DocumentStore) CreateDocument(ctx context.Context, docID, ownerID, title string) error {
	return s.db.WithContext(ctx).Create(&Document{ID: docID, OwnerID: ownerID, Title: title}).Error
}

// ShareDocument grants or changes a collaborator's role.
func (s *DocumentStore) ShareDocument(ctx context.Context, docID, userID string, role Role) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&Collaborator{DocumentID: docID, UserID: userID, Role: role}).Error
}

// roleOf returns "" when the user has no access at all.
func (s *DocumentStore) roleOf(ctx context.Context, doc *Document, userID string) (Role, error) {
	if doc.OwnerID == userID {
		return RoleOwner, nil
	}
	var c Collaborator
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", doc.ID, userID).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return c.Role, nil
}
