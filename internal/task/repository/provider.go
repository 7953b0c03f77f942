package repository

import (
	"github.com/jmoiron/sqlx"

	"github.com/botmaster/botmaster/internal/task/repository/sqlite"
)

// Ensure the SQL repository implements the Repository interface
var _ Repository = (*sqlite.Repository)(nil)

// Provide creates the SQL repository using separate writer and reader pools.
func Provide(writer, reader *sqlx.DB) (*sqlite.Repository, func() error, error) {
	repo, err := sqlite.NewWithDB(writer, reader)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
