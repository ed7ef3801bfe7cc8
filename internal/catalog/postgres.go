package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omegafrog/ticketon-queue/internal/model"
)

// Postgres reads events straight from the catalog's table.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres constructs a Postgres catalog.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Lookup returns the seat count and status of one event or ErrNotFound.
func (p *Postgres) Lookup(ctx context.Context, eventID string) (model.CatalogEvent, error) {
	var ev model.CatalogEvent
	err := p.db.QueryRow(ctx,
		`SELECT seat_count, status
		 FROM events WHERE id = $1`,
		eventID,
	).Scan(&ev.SeatCount, &ev.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CatalogEvent{}, ErrNotFound
		}
		return model.CatalogEvent{}, fmt.Errorf("%w: query event: %v", ErrUnavailable, err)
	}
	return normalize(ev)
}

// normalize rejects answers that would seed an unusable gate.
func normalize(ev model.CatalogEvent) (model.CatalogEvent, error) {
	ev.Status = strings.ToUpper(strings.TrimSpace(ev.Status))
	if ev.Status == "" {
		return model.CatalogEvent{}, fmt.Errorf("%w: empty event status", ErrUnavailable)
	}
	if ev.SeatCount < 0 {
		return model.CatalogEvent{}, fmt.Errorf("%w: negative seat count %d", ErrUnavailable, ev.SeatCount)
	}
	return ev, nil
}
