package handlers

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/models"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var registerOnce sync.Once

// RegisterValidators adds the "certification" and "unit" tags to gin's validator.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("certification", func(fl validator.FieldLevel) bool {
			return models.Certification(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("unit", func(fl validator.FieldLevel) bool {
			return models.Unit(fl.Field().String()).Valid()
		})
	})
}

type CreateLotRequest struct {
	ProductType    string   `json:"productType" binding:"required"`
	Quantity       float64  `json:"quantity" binding:"required,gte=1"`
	Unit           string   `json:"unit" binding:"required,unit"`
	HarvestDate    string   `json:"harvestDate" binding:"required"`
	Location       string   `json:"location" binding:"required"`
	PricePerKg     float64  `json:"pricePerKg" binding:"required,gte=1"`
	Certifications []string `json:"certifications" binding:"omitempty,dive,certification"`
	ImageURL       string   `json:"imageUrl" binding:"omitempty,url"`
	ImageHint      string   `json:"imageHint"`
}

// Draft converts a bound request into a lot draft.
func (r CreateLotRequest) Draft() (models.LotDraft, error) {
	harvest, err := parseHarvestDate(r.HarvestDate)
	if err != nil {
		return models.LotDraft{}, err
	}
	certs := make([]models.Certification, 0, len(r.Certifications))
	seen := make(map[string]bool, len(r.Certifications))
	for _, c := range r.Certifications {
		if !seen[c] {
			seen[c] = true
			certs = append(certs, models.Certification(c))
		}
	}
	return models.LotDraft{
		ProductType:    strings.TrimSpace(r.ProductType),
		Quantity:       r.Quantity,
		Unit:           models.Unit(r.Unit),
		HarvestDate:    harvest,
		Location:       strings.TrimSpace(r.Location),
		PricePerKg:     r.PricePerKg,
		Certifications: certs,
		Image:          models.Image{URL: r.ImageURL, Hint: r.ImageHint},
	}, nil
}

func parseHarvestDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: harvestDate must be RFC 3339 or YYYY-MM-DD", apperr.ErrInvalidInput)
}
