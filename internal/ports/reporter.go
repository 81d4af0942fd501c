package ports

import (
	"context"

	"github.com/ghalamif/aquaflow/internal/domain"
)

// HealthReporter hands sweep results to external alerting.
type HealthReporter interface {
	Report(ctx context.Context, records []domain.HealthRecord) error
}
