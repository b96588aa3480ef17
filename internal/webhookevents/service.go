// Package webhookevents is the read side of the inbound callback audit log.
package webhookevents

import (
	"context"
	"fmt"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/pagination"
)

type Service interface {
	List(ctx context.Context, params pagination.Params) ([]WebhookEventDTO, string, error)
}

type service struct {
	repo Repository
}

func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("webhook event repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) List(ctx context.Context, params pagination.Params) ([]WebhookEventDTO, string, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.List(ctx, cursor, pagination.LimitWithBuffer(params.Limit))
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list webhook events")
	}
	page, next := pagination.Trim(rows, params.Limit, func(e models.WebhookEvent) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
	out := make([]WebhookEventDTO, 0, len(page))
	for _, row := range page {
		out = append(out, toDTO(row))
	}
	return out, next, nil
}
