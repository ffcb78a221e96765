package storage

import "tickLend/internal/model"

// Storage defines a sink for journal events.
type Storage interface {
	PutEventBatch(events []model.Event) error
}
