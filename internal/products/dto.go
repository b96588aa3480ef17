package products

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// ProductDTO is the API shape of a product. Price is in reference-currency minor units.
type ProductDTO struct {
	ID            uuid.UUID           `json:"id"`
	Name          string              `json:"name"`
	Description   *string             `json:"description,omitempty"`
	Price         int64               `json:"price"`
	BillingPeriod enums.BillingPeriod `json:"billing_period"`
	IsActive      bool                `json:"is_active"`
	CreatedAt     time.Time           `json:"created_at"`
}

func toDTO(p *models.Product) ProductDTO {
	return ProductDTO{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		Price:         p.Price,
		BillingPeriod: p.BillingPeriod,
		IsActive:      p.IsActive,
		CreatedAt:     p.CreatedAt,
	}
}
