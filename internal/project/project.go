// Package project manages the projects table: the root scope every temporal
// message, distillation, and project-scoped knowledge entry is filed under.
package project

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"
)

// Project is a workspace the host has opened, identified by its absolute
// path. Projects are created lazily on first reference and are never
// deleted by this module's own operations.
type Project struct {
	ID        int64
	Path       string
	Name      string
	CreatedAt time.Time
}

// Store provides project CRUD over the shared database.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database for project access.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetOrCreate returns the project for path, creating it (named after the
// final path component) if this is the first time it's been referenced.
func (s *Store) GetOrCreate(path string) (*Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	p, err := s.GetByPath(abs)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	name := filepath.Base(abs)
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO projects (path, name, created_at) VALUES (?, ?, ?)`,
		abs, name, now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading new project id: %w", err)
	}

	return &Project{ID: id, Path: abs, Name: name, CreatedAt: now}, nil
}

// GetByPath looks up a project by its absolute path. Returns sql.ErrNoRows
// if no project has been created for that path yet.
func (s *Store) GetByPath(path string) (*Project, error) {
	row := s.db.QueryRow(`SELECT id, path, name, created_at FROM projects WHERE path = ?`, path)
	return scanProject(row)
}

// Get looks up a project by id.
func (s *Store) Get(id int64) (*Project, error) {
	row := s.db.QueryRow(`SELECT id, path, name, created_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var createdAt string
	if err := row.Scan(&p.ID, &p.Path, &p.Name, &createdAt); err != nil {
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}
