package main

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/polysig/verinode/pkg/sig"
)

// VerificationRecord is the data and database model for storing the
// outcome of one signature verification.
type VerificationRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Requester string    `gorm:"column:requester;type:varchar(255);index" json:"requester"`
	Identity  string    `gorm:"column:identity;type:varchar(255);not null;index" json:"identity"`
	Scheme    string    `gorm:"column:scheme;type:varchar(32);not null" json:"scheme"`
	Confident bool      `gorm:"column:confident;not null" json:"confident"`
	Valid     bool      `gorm:"column:valid;not null" json:"valid"`
	Digest    string    `gorm:"column:digest;type:text" json:"digest"`
	SigLength int       `gorm:"column:sig_length;not null" json:"sig_length"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName specifies the table name for the VerificationRecord model.
func (VerificationRecord) TableName() string {
	return "verification_records"
}

// VerificationStore persists verification outcomes and serves history queries.
type VerificationStore struct {
	db *gorm.DB
}

// NewVerificationStore creates a new VerificationStore instance.
func NewVerificationStore(db *gorm.DB) *VerificationStore {
	return &VerificationStore{db: db}
}

// Store saves a verification outcome in the database.
func (s *VerificationStore) Store(ctx context.Context, requester, identity, digest string, sigLength int, result sig.Result) error {
	record := &VerificationRecord{
		Requester: requester,
		Identity:  identity,
		Scheme:    result.Scheme.String(),
		Confident: result.Confident,
		Valid:     result.Valid,
		Digest:    digest,
		SigLength: sigLength,
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// List retrieves verification records with optional filtering and pagination.
func (s *VerificationStore) List(ctx context.Context, requester, identity *string, options *ListOptions) ([]VerificationRecord, error) {
	query := applyListOptions(s.db.WithContext(ctx), "created_at", SortTypeDescending, options)

	if requester != nil {
		query = query.Where("requester = ?", *requester)
	}
	if identity != nil {
		query = query.Where("identity = ?", *identity)
	}

	var records []VerificationRecord
	err := query.Find(&records).Error
	return records, err
}

// Count returns the count of verification records, with optional filtering.
func (s *VerificationStore) Count(ctx context.Context, requester, identity *string) (int64, error) {
	query := s.db.WithContext(ctx).Model(&VerificationRecord{})

	if requester != nil {
		query = query.Where("requester = ?", *requester)
	}
	if identity != nil {
		query = query.Where("identity = ?", *identity)
	}

	var count int64
	err := query.Count(&count).Error
	return count, err
}
