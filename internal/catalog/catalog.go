// Package catalog reads seat counts and gate status from the event catalog,
// the collaborator that seeds a queue the first time somebody joins it.
package catalog

import (
	"context"
	"errors"

	"github.com/omegafrog/ticketon-queue/internal/model"
)

// ErrNotFound is returned when the catalog has no such event.
var ErrNotFound = errors.New("event not found in catalog")

// ErrUnavailable is returned when the catalog could not be reached or
// answered with something unusable.
var ErrUnavailable = errors.New("catalog unavailable")

// Catalog looks up the seat count and status of an event.
type Catalog interface {
	Lookup(ctx context.Context, eventID string) (model.CatalogEvent, error)
}
