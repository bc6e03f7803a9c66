// Package localstore holds the client's durable view: entity snapshots and
// the pending operation queue. Every Store method is a single atomic
// transaction; callers never observe a half-applied enqueue or rewrite.
package localstore

import (
	"context"
	"errors"

	"github.com/agentworkforce/notesync/internal/model"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrClosed         = errors.New("store closed")
	ErrLocked         = errors.New("store is locked by another process")
	ErrNotImplemented = errors.New("not implemented")
)

type Store interface {
	// AppendOperation assigns the next sequence to op and persists it together
	// with the optimistic local snapshot, if one is given.
	AppendOperation(ctx context.Context, op model.Operation, snapshot *model.Entity) (model.Operation, error)
	// SaveOperation overwrites a queued operation (status, retry bookkeeping, payload).
	SaveOperation(ctx context.Context, op model.Operation) error
	// ApplyOperation removes a confirmed operation from the queue and stores the
	// canonical snapshot. For a confirmed Create it also rewrites every queued
	// reference to the temp id, in the same transaction.
	ApplyOperation(ctx context.Context, op model.Operation, snapshot model.Entity) error
	RemoveOperation(ctx context.Context, opID string) error
	Operation(ctx context.Context, opID string) (model.Operation, error)
	// Operations returns every queued operation ordered by sequence.
	Operations(ctx context.Context) ([]model.Operation, error)

	Entity(ctx context.Context, entityType model.EntityType, key string) (model.Entity, error)
	Entities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error)
	PutEntity(ctx context.Context, entity model.Entity) error
	DeleteEntity(ctx context.Context, entityType model.EntityType, key string) error

	Close() error
}

func entityKey(entityType model.EntityType, key string) string {
	return string(entityType) + "/" + key
}

// confirmedTempID returns the temp id a confirmed Create replaces, if any.
func confirmedTempID(op model.Operation, snapshot model.Entity) (string, string) {
	if op.Kind != model.KindCreate || op.Ref.TempID == "" || snapshot.ID == "" {
		return "", ""
	}
	return op.Ref.TempID, snapshot.ID
}

func validateOperation(op model.Operation) error {
	if op.OpID == "" || !op.EntityType.Valid() || op.Ref.IsZero() {
		return ErrInvalidInput
	}
	return nil
}
