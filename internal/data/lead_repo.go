package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prospectly/courier/internal/data/pgxutil"
	"github.com/prospectly/courier/internal/domain/model"
)

// ErrLeadEmailExists is returned when attempting to create a lead with a duplicate email.
var ErrLeadEmailExists = errors.New("lead email already exists")

// LeadRepo provides database operations for leads.
type LeadRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewLeadRepo creates a new LeadRepo with real time provider.
func NewLeadRepo(db *sql.DB) *LeadRepo {
	return &LeadRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewLeadRepoWithTimeProvider creates a new LeadRepo with a custom time provider (useful for tests).
func NewLeadRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *LeadRepo {
	return &LeadRepo{DB: db, timeProvider: tp}
}

// Create inserts a new lead.
func (r *LeadRepo) Create(ctx context.Context, req *model.CreateLeadRequest) (*model.Lead, error) {
	if req == nil {
		return nil, errors.New("create lead request is required")
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	createdAt := r.timeProvider.Now().UTC()
	var out model.Lead
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			INSERT INTO leads (name, email, source, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id, name, email, source, created_at, updated_at
		`,
			strings.TrimSpace(req.Name),
			strings.ToLower(strings.TrimSpace(req.Email)),
			req.Source,
			createdAt,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Lead])
		return err
	}); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrLeadEmailExists
		}
		return nil, err
	}
	return &out, nil
}

// GetByID retrieves a lead by ID.
func (r *LeadRepo) GetByID(ctx context.Context, id string) (*model.Lead, error) {
	var lead model.Lead
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, name, email, source, created_at, updated_at
			FROM leads
			WHERE id = $1`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		lead, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Lead])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("failed to get lead by ID: %w", err)
	}
	return &lead, nil
}

// List retrieves leads with pagination.
func (r *LeadRepo) List(ctx context.Context, limit, offset int) ([]*model.Lead, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var rowsOut []model.Lead
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, name, email, source, created_at, updated_at
			FROM leads
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		rowsOut, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Lead])
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}

	res := make([]*model.Lead, len(rowsOut))
	for i := range rowsOut {
		res[i] = &rowsOut[i]
	}
	return res, nil
}
