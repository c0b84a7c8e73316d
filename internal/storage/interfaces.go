package storage

import (
	"context"
	"io"

	"github.com/ronaldslwong/copyrust-sub000/internal/models"
)

// RaceSink publishes race summaries as they finish
type RaceSink interface {
	PublishRace(ctx context.Context, s *models.RaceSummary) error
}

// RaceHistory keeps the most recent races for the admin API
type RaceHistory interface {
	// Add records a finished race
	Add(ctx context.Context, s *models.RaceSummary) error

	// Recent returns up to limit races, newest first
	Recent(ctx context.Context, limit int64) ([]*models.RaceSummary, error)

	// Ping checks if the backend is reachable
	Ping(ctx context.Context) error
}

// OutcomeStore persists per-vendor race rows
type OutcomeStore interface {
	// InsertOutcomes writes every vendor row of one or more races
	InsertOutcomes(ctx context.Context, rows []models.RaceOutcome) error

	// Ping checks if the store is reachable
	Ping(ctx context.Context) error

	// Close closes the store connection
	io.Closer
}
