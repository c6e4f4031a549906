package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/models"
)

// NamespaceRepository persists vector-store tenancy scopes.
type NamespaceRepository struct {
	q Querier
}

const namespaceColumns = "id, organization_id, owner_id, name, created_at"

func scanNamespace(row interface{ Scan(...any) error }) (*models.Namespace, error) {
	var ns models.Namespace
	err := row.Scan(&ns.ID, &ns.OrganizationID, &ns.OwnerID, &ns.Name, &ns.CreatedAt)
	if err != nil {
		return nil, translateError(err)
	}
	return &ns, nil
}

// Create inserts a namespace. The (name, organization) pair is unique.
func (r *NamespaceRepository) Create(ctx context.Context, ns *models.Namespace) error {
	if ns.ID == uuid.Nil {
		ns.ID = uuid.New()
	}
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = time.Now()
	}
	_, err := r.q.Exec(ctx,
		`INSERT INTO namespaces (id, organization_id, owner_id, name, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ns.ID, ns.OrganizationID, ns.OwnerID, ns.Name, ns.CreatedAt)
	return translateError(err)
}

// GetByID fetches one namespace.
func (r *NamespaceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Namespace, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+namespaceColumns+` FROM namespaces WHERE id = $1`, id)
	return scanNamespace(row)
}

// GetByName fetches the namespace named name within the organization.
func (r *NamespaceRepository) GetByName(ctx context.Context, organizationID uuid.UUID, name string) (*models.Namespace, error) {
	row := r.q.QueryRow(ctx,
		`SELECT `+namespaceColumns+` FROM namespaces
		 WHERE organization_id = $1 AND name = $2`, organizationID, name)
	return scanNamespace(row)
}

// GetOrCreate returns the named namespace, creating it on first use.
func (r *NamespaceRepository) GetOrCreate(ctx context.Context, organizationID, ownerID uuid.UUID, name string) (*models.Namespace, error) {
	ns, err := r.GetByName(ctx, organizationID, name)
	if err == nil {
		return ns, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	ns = &models.Namespace{
		OrganizationID: organizationID,
		OwnerID:        ownerID,
		Name:           name,
	}
	if err := r.Create(ctx, ns); err != nil {
		return nil, err
	}
	return ns, nil
}
