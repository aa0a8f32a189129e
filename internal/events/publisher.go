// Package events defines the fan-out contract for ledger events. The durable
// log lives in the store; publishers only feed downstream read-only
// projections (indexers, bots, database mirrors).
package events

import (
	"context"

	"github.com/punchamoorthee/tipledger/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, evts []domain.Event) error
}
