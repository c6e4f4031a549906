package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the query surface shared by the pool and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UnitOfWork is one transaction plus the repositories bound to it. It is a
// scoped resource: acquire it through the DI container, commit explicitly,
// and let Release roll back anything left open.
type UnitOfWork struct {
	tx   pgx.Tx
	done bool

	Namespaces   *NamespaceRepository
	Agents       *AgentRepository
	Integrations *IntegrationRepository
	IngestStates *IngestStateRepository
	Connections  *ConnectionRepository
	Channels     *ChannelRepository
	Messages     *MessageRepository
	Feedback     *FeedbackRepository
	Tasks        *TaskRepository
}

// Begin opens a transaction and binds repositories to it.
func (c *Client) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return NewUnitOfWork(tx), nil
}

// NewUnitOfWork binds repositories to an existing transaction.
func NewUnitOfWork(tx pgx.Tx) *UnitOfWork {
	return &UnitOfWork{
		tx:           tx,
		Namespaces:   &NamespaceRepository{q: tx},
		Agents:       &AgentRepository{q: tx},
		Integrations: &IntegrationRepository{q: tx},
		IngestStates: &IngestStateRepository{q: tx},
		Connections:  &ConnectionRepository{q: tx},
		Channels:     &ChannelRepository{q: tx},
		Messages:     &MessageRepository{q: tx},
		Feedback:     &FeedbackRepository{q: tx},
		Tasks:        &TaskRepository{q: tx},
	}
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to rollback: %w", err)
	}
	return nil
}

// Release implements the scoped-resource contract: an uncommitted
// transaction rolls back when the handler scope closes.
func (u *UnitOfWork) Release(ctx context.Context) error {
	return u.Rollback(ctx)
}
