// Package devseed populates a development database with sample catalog data.
package devseed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prospectly/courier/internal/data"
	"github.com/prospectly/courier/internal/domain/model"
)

// Run seeds sample products and leads for local development. Seeding is
// idempotent; rows that already exist are left untouched.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	products := data.NewProductRepo(db)
	leads := data.NewLeadRepo(db)

	failures := 0
	failures += seedProducts(ctx, products, logger)
	failures += seedLeads(ctx, leads, logger)

	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

func seedProducts(ctx context.Context, repo *data.ProductRepo, logger *slog.Logger) int {
	samples := []model.CreateProductRequest{
		{Name: "CRM Starter", Description: "Single-seat CRM plan", PriceCents: 2900},
		{Name: "CRM Team", Description: "Five-seat CRM plan with shared inboxes", PriceCents: 9900},
		{Name: "CRM Enterprise", Description: "Unlimited seats, SSO, audit log", PriceCents: 49900},
	}

	failures := 0
	for i := range samples {
		req := samples[i]
		_, err := repo.Create(ctx, &req)
		switch {
		case err == nil:
			logInfo(ctx, logger, "seeded product", "name", req.Name)
		case errors.Is(err, data.ErrProductNameExists):
			logInfo(ctx, logger, "product already exists", "name", req.Name)
		default:
			logError(ctx, logger, "failed to seed product", "name", req.Name, "error", err)
			failures++
		}
	}
	return failures
}

func seedLeads(ctx context.Context, repo *data.LeadRepo, logger *slog.Logger) int {
	samples := []model.CreateLeadRequest{
		{Name: "Ada Lindqvist", Email: "ada@example.com", Source: "webinar"},
		{Name: "Bram Okafor", Email: "bram@example.com", Source: "referral"},
		{Name: "Carla Mendes", Email: "carla@example.com", Source: "signup-form"},
	}

	failures := 0
	for i := range samples {
		req := samples[i]
		_, err := repo.Create(ctx, &req)
		switch {
		case err == nil:
			logInfo(ctx, logger, "seeded lead", "email", req.Email)
		case errors.Is(err, data.ErrLeadEmailExists):
			logInfo(ctx, logger, "lead already exists", "email", req.Email)
		default:
			logError(ctx, logger, "failed to seed lead", "email", req.Email, "error", err)
			failures++
		}
	}
	return failures
}

func logInfo(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	if logger != nil {
		logger.InfoContext(ctx, msg, args...)
	}
}

func logError(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	if logger != nil {
		logger.ErrorContext(ctx, msg, args...)
	}
}
