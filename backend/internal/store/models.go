package store

import "time"

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

func (r Role) CanWrite() bool {
	return r == RoleOwner || r == RoleEditor
}

type Document struct {
	ID        string `gorm:"primaryKey;type:varchar(128)"`
	OwnerID   string `gorm:"type:varchar(64);index;not null"`
	Title     string `gorm:"type:varchar(255)"`
	State     []byte `gorm:"type:longblob"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Document) TableName() string { return "documents" }

type Collaborator struct {
	DocumentID string `gorm:"primaryKey;type:varchar(128)"`
	UserID     string `gorm:"primaryKey;type:varchar(64)"`
	Role       Role   `gorm:"type:varchar(16);not null"`
	CreatedAt  time.Time
}

func (Collaborator) TableName() string { return "document_collaborators" }
