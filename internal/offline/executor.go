package offline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/agentworkforce/notesync/internal/model"
)

type Outcome int

const (
	// OutcomeApplied: the server accepted the write; Entity is canonical.
	OutcomeApplied Outcome = iota
	// OutcomeDeferred: a retryable failure; the operation should back off.
	OutcomeDeferred
	// OutcomeRejected: a terminal failure; retrying the same content cannot succeed.
	OutcomeRejected
	// OutcomeUnknown: the exchange was abandoned and its result is not known.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome Outcome
	Entity  model.Entity
	Err     *model.OpError
}

type OperationExecutor interface {
	Execute(ctx context.Context, op model.Operation) Result
}

type ExecutorOptions struct {
	Remote       RemoteAPI
	Connectivity Connectivity
	// Timeout bounds one network exchange. Hitting it is a retryable failure.
	Timeout time.Duration
}

// Executor performs exactly one network exchange per operation. A
// connectivity drop observed mid-request aborts the wait and yields
// OutcomeUnknown.
type Executor struct {
	remote       RemoteAPI
	connectivity Connectivity
	timeout      time.Duration
}

func NewExecutor(opts ExecutorOptions) *Executor {
	e := &Executor{
		remote:       opts.Remote,
		connectivity: opts.Connectivity,
		timeout:      opts.Timeout,
	}
	if e.timeout <= 0 {
		e.timeout = 15 * time.Second
	}
	return e
}

func (e *Executor) Execute(ctx context.Context, op model.Operation) Result {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if e.connectivity != nil {
		unsubscribe := e.connectivity.Subscribe(func(s State) {
			if s == Offline {
				cancel(ErrConnectivityLost)
			}
		})
		defer unsubscribe()
		if e.connectivity.State() == Offline {
			return Result{Outcome: OutcomeUnknown, Err: &model.OpError{Kind: model.ErrorKindNetwork, Message: ErrOffline.Error()}}
		}
	}
	reqCtx, cancelTimeout := context.WithTimeout(runCtx, e.timeout)
	defer cancelTimeout()

	entity, err := e.exchange(reqCtx, op)
	if err == nil {
		return Result{Outcome: OutcomeApplied, Entity: entity}
	}
	if runCtx.Err() != nil {
		cause := context.Cause(runCtx)
		return Result{Outcome: OutcomeUnknown, Err: &model.OpError{Kind: model.ErrorKindNetwork, Message: cause.Error()}}
	}
	if op.Kind == model.KindDelete && IsNotFound(err) {
		return Result{Outcome: OutcomeApplied, Entity: deletedEntity(op, op.BaseRevision)}
	}
	return classify(err)
}

func (e *Executor) exchange(ctx context.Context, op model.Operation) (model.Entity, error) {
	switch op.Kind {
	case model.KindCreate:
		entity, err := e.remote.Create(ctx, op.EntityType, op.IdempotencyKey, op.Payload)
		if err != nil {
			return model.Entity{}, err
		}
		entity.TempID = op.Ref.TempID
		return entity, nil
	case model.KindUpdate:
		if !op.Ref.Confirmed() {
			return model.Entity{}, ErrUnconfirmed
		}
		return e.remote.Update(ctx, op.EntityType, op.Ref.ID, op.BaseRevision, op.Payload)
	case model.KindDelete:
		if !op.Ref.Confirmed() {
			return model.Entity{}, ErrUnconfirmed
		}
		rev, err := e.remote.Delete(ctx, op.EntityType, op.Ref.ID, op.BaseRevision)
		if err != nil {
			return model.Entity{}, err
		}
		return deletedEntity(op, rev), nil
	}
	return model.Entity{}, &model.ValidationError{EntityType: op.EntityType, Kind: op.Kind, Reason: "unknown operation kind"}
}

func deletedEntity(op model.Operation, revision uint64) model.Entity {
	return model.Entity{
		Type:     op.EntityType,
		ID:       op.Ref.ID,
		TempID:   op.Ref.TempID,
		Revision: revision,
		Deleted:  true,
	}
}

func classify(err error) Result {
	var (
		netErr      *NetworkError
		conflictErr *ConflictError
		httpErr     *HTTPError
		validErr    *model.ValidationError
	)
	switch {
	case errors.As(err, &netErr):
		return Result{Outcome: OutcomeDeferred, Err: &model.OpError{Kind: model.ErrorKindNetwork, Message: err.Error(), StatusCode: netErr.StatusCode}}
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Outcome: OutcomeDeferred, Err: &model.OpError{Kind: model.ErrorKindNetwork, Message: "request timed out"}}
	case errors.As(err, &conflictErr):
		return Result{Outcome: OutcomeRejected, Err: &model.OpError{Kind: model.ErrorKindConflict, Message: err.Error(), StatusCode: http.StatusConflict}}
	case errors.As(err, &validErr), errors.Is(err, ErrUnconfirmed):
		return Result{Outcome: OutcomeRejected, Err: &model.OpError{Kind: model.ErrorKindValidation, Message: err.Error()}}
	case errors.As(err, &httpErr):
		kind := model.ErrorKindValidation
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = model.ErrorKindAuthorization
		case http.StatusNotFound, http.StatusGone:
			kind = model.ErrorKindNotFound
		}
		return Result{Outcome: OutcomeRejected, Err: &model.OpError{Kind: kind, Message: err.Error(), StatusCode: httpErr.StatusCode}}
	}
	// Anything unclassified (a malformed response, a proxy hiccup) is treated
	// as transient so the capped retry budget decides.
	return Result{Outcome: OutcomeDeferred, Err: &model.OpError{Kind: model.ErrorKindNetwork, Message: err.Error()}}
}
