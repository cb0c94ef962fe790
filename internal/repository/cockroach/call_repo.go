package cockroach

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatcall-backend/internal/domain"
	apperrors "chatcall-backend/pkg/errors"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE raised by the active-call index
const uniqueViolation = "23505"

// EnsureSchema creates the calls table and its indexes when missing
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CallRepository handles call data operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const callColumns = `call_id, conversation_id, caller_id, receiver_id, call_type, status, created_at, ended_at`

// Create inserts a new call. The partial unique index turns a second active
// call in the same conversation into CallBusy.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	query := `INSERT INTO calls (` + callColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.ConversationID,
		call.CallerID,
		call.ReceiverID,
		string(call.Type),
		string(call.Phase),
		call.CreatedAt,
		call.EndedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.CallBusyError()
		}
		return apperrors.DatabaseError(fmt.Errorf("failed to create call: %w", err))
	}

	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get call: %w", err))
	}

	return call, nil
}

// UpdatePhase writes the call's phase and endedAt only if the stored phase is
// still from. Losing the race yields a phase conflict.
func (r *CallRepository) UpdatePhase(ctx context.Context, call *domain.Call, from domain.CallPhase) error {
	query := `
		UPDATE calls
		SET status = $2, ended_at = $3
		WHERE call_id = $1 AND status = $4
	`

	tag, err := r.pool.Exec(ctx, query, call.ID, string(call.Phase), call.EndedAt, string(from))
	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to update call phase: %w", err))
	}

	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, call.ID); err != nil {
			return err
		}
		return apperrors.PhaseConflictError()
	}

	return nil
}

// GetActiveByConversation returns the PENDING or ONGOING call of a
// conversation, or nil when there is none
func (r *CallRepository) GetActiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE conversation_id = $1 AND status IN ('PENDING', 'ONGOING')
		LIMIT 1
	`

	call, err := scanCall(r.pool.QueryRow(ctx, query, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get active call: %w", err))
	}

	return call, nil
}

// GetUserCalls retrieves calls the user placed or received, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get user calls: %w", err))
	}
	defer rows.Close()

	calls := make([]*domain.Call, 0, limit)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, apperrors.DatabaseError(fmt.Errorf("failed to scan call: %w", err))
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to iterate calls: %w", err))
	}

	return calls, nil
}

// CountUserCalls counts calls the user placed or received
func (r *CallRepository) CountUserCalls(ctx context.Context, userID uuid.UUID) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM calls WHERE caller_id = $1 OR receiver_id = $1`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, apperrors.DatabaseError(fmt.Errorf("failed to count user calls: %w", err))
	}

	return total, nil
}

func scanCall(row pgx.Row) (*domain.Call, error) {
	var (
		call      domain.Call
		callType  string
		callPhase string
	)
	err := row.Scan(
		&call.ID,
		&call.ConversationID,
		&call.CallerID,
		&call.ReceiverID,
		&callType,
		&callPhase,
		&call.CreatedAt,
		&call.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	call.Type = domain.CallType(callType)
	call.Phase = domain.CallPhase(callPhase)
	return &call, nil
}
