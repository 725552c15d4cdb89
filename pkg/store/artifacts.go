package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// AddArtifact registers a collected file for a job. The artifacts table has
// no uniqueness constraint on (job_id, path); collectors de-duplicate before
// calling this.
func (s *Store) AddArtifact(jobID int64, kind, path string, sizeBytes int64, sha256 string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO artifacts(job_id, kind, path, size_bytes, sha256)
		VALUES(?, ?, ?, ?, ?)
	`, jobID, kind, path, sizeBytes, sha256)
	if err != nil {
		return nil, fmt.Errorf("failed to add artifact for job %d: %w", jobID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read new artifact id: %w", err)
	}
	return s.getArtifactLocked(id)
}

// GetArtifact returns the artifact with the given id, or ErrNotFound.
func (s *Store) GetArtifact(id int64) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getArtifactLocked(id)
}

func (s *Store) getArtifactLocked(id int64) (*Artifact, error) {
	var a Artifact
	err := s.db.QueryRow(
		"SELECT id, job_id, kind, path, size_bytes, sha256 FROM artifacts WHERE id=?", id,
	).Scan(&a.ID, &a.JobID, &a.Kind, &a.Path, &a.SizeBytes, &a.SHA256)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact %d: %w", id, err)
	}
	return &a, nil
}

// ListArtifacts returns a job's artifacts in registration order.
func (s *Store) ListArtifacts(jobID int64) ([]Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT id, job_id, kind, path, size_bytes, sha256 FROM artifacts WHERE job_id=? ORDER BY id ASC",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for job %d: %w", jobID, err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.JobID, &a.Kind, &a.Path, &a.SizeBytes, &a.SHA256); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
