// Package store keeps the transfer and search history in sqlite.
package store

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Transfer is one download attempt. The daemon inserts it when the request
// goes out and saves it again when the transfer settles.
type Transfer struct {
	ID          uint `gorm:"primaryKey"`
	Peer        string
	RemotePath  string
	SavedPath   string
	Size        int64
	Transferred int64
	State       string
	Reason      string
	StartedAt   int64
	FinishedAt  int64
}

// Search is one submitted query and how many results came back.
type Search struct {
	ID        uint `gorm:"primaryKey"`
	Query     string
	Results   int
	CreatedAt int64
}

type Store struct {
	DB *gorm.DB
}

func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Transfer{}, &Search{}); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateTransfer(ctx context.Context, tr *Transfer) error {
	tr.StartedAt = time.Now().Unix()
	return s.DB.WithContext(ctx).Create(tr).Error
}

// UpdateTransfer saves the row as it stands, ID included.
func (s *Store) UpdateTransfer(ctx context.Context, tr *Transfer) error {
	return s.DB.WithContext(ctx).Save(tr).Error
}

// ListTransfers returns the most recent transfers, newest first. A limit of
// zero or less returns everything.
func (s *Store) ListTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	q := s.DB.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var transfers []Transfer
	if err := q.Find(&transfers).Error; err != nil {
		return nil, err
	}
	return transfers, nil
}

func (s *Store) RecordSearch(ctx context.Context, query string, results int) error {
	rec := Search{Query: query, Results: results, CreatedAt: time.Now().Unix()}
	return s.DB.WithContext(ctx).Create(&rec).Error
}

// ListSearches returns the most recent queries, newest first. A limit of
// zero or less returns everything.
func (s *Store) ListSearches(ctx context.Context, limit int) ([]Search, error) {
	q := s.DB.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var searches []Search
	if err := q.Find(&searches).Error; err != nil {
		return nil, err
	}
	return searches, nil
}
