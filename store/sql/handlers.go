package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// recordHandlers wires a record type with a string uuid primary key into
// go-repository-bun. idOf returns nil for a nil record.
func recordHandlers[T any](newRecord func() T, idOf func(T) *string) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			id := idOf(record)
			if id == nil {
				return uuid.Nil
			}
			parsed, err := uuid.Parse(strings.TrimSpace(*id))
			if err != nil {
				return uuid.Nil
			}
			return parsed
		},
		SetID: func(record T, id uuid.UUID) {
			if target := idOf(record); target != nil {
				*target = id.String()
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			if id := idOf(record); id != nil {
				return strings.TrimSpace(*id)
			}
			return ""
		},
	}
}

func kvEntryHandlers() repository.ModelHandlers[*kvEntryRecord] {
	return recordHandlers(
		func() *kvEntryRecord { return &kvEntryRecord{} },
		func(record *kvEntryRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}

func rateLimitStateHandlers() repository.ModelHandlers[*rateLimitStateRecord] {
	return recordHandlers(
		func() *rateLimitStateRecord { return &rateLimitStateRecord{} },
		func(record *rateLimitStateRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
	)
}
