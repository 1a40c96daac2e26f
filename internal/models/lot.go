package models

import (
	"fmt"
	"strings"
	"time"

	"agro-market-api-server/internal/apperr"
)

type Unit string

const (
	UnitKg    Unit = "kg"
	UnitLb    Unit = "lb"
	UnitDozen Unit = "docena"
)

var Units = []Unit{UnitKg, UnitLb, UnitDozen}

func (u Unit) Valid() bool {
	for _, known := range Units {
		if u == known {
			return true
		}
	}
	return false
}

type Certification string

var Certifications = []Certification{
	"Orgánico",
	"Comercio Justo",
	"Pastoreo Libre",
	"Sin OGM",
	"Sostenible",
	"Cultivado Localmente",
}

func (c Certification) Valid() bool {
	for _, known := range Certifications {
		if c == known {
			return true
		}
	}
	return false
}

type LotStatus string

const (
	LotAvailable LotStatus = "available"
	LotSold      LotStatus = "sold"
)

type Image struct {
	URL  string `bson:"url" json:"url"`
	Hint string `bson:"hint" json:"hint"`
}

// Lot is a farmer's sellable batch. FarmerID is fixed at creation and Status only moves
// from available to sold.
type Lot struct {
	ID             string          `json:"id"`
	FarmerID       string          `json:"farmerId"`
	FarmerName     string          `json:"farmerName"`
	ProductType    string          `json:"productType"`
	Quantity       float64         `json:"quantity"`
	Unit           Unit            `json:"unit"`
	HarvestDate    time.Time       `json:"harvestDate"`
	Location       string          `json:"location"`
	PricePerKg     float64         `json:"pricePerKg"`
	Certifications []Certification `json:"certifications"`
	Status         LotStatus       `json:"status"`
	Image          Image           `json:"image"`
	CreatedAt      time.Time       `json:"createdAt"`
	SoldAt         *time.Time      `json:"soldAt,omitempty"`
}

// Total is the price of the whole lot. Lots are bought in full.
func (l Lot) Total() float64 {
	return l.PricePerKg * l.Quantity
}

// Validate checks a record read back from storage.
func (l Lot) Validate() error {
	var problems []string
	if l.ID == "" {
		problems = append(problems, "missing id")
	}
	if l.FarmerID == "" {
		problems = append(problems, "missing farmerId")
	}
	if strings.TrimSpace(l.ProductType) == "" {
		problems = append(problems, "missing productType")
	}
	if l.Quantity <= 0 {
		problems = append(problems, "quantity must be positive")
	}
	if !l.Unit.Valid() {
		problems = append(problems, fmt.Sprintf("unknown unit %q", l.Unit))
	}
	if l.PricePerKg < 0 {
		problems = append(problems, "negative price")
	}
	if l.Status != LotAvailable && l.Status != LotSold {
		problems = append(problems, fmt.Sprintf("unknown status %q", l.Status))
	}
	for _, c := range l.Certifications {
		if !c.Valid() {
			problems = append(problems, fmt.Sprintf("unknown certification %q", c))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: lot %q: %s", apperr.ErrInvalidInput, l.ID, strings.Join(problems, ", "))
	}
	return nil
}

// LotDraft carries the farmer-supplied fields of a new lot, already validated by the caller.
type LotDraft struct {
	ProductType    string
	Quantity       float64
	Unit           Unit
	HarvestDate    time.Time
	Location       string
	PricePerKg     float64
	Certifications []Certification
	Image          Image
}

// NewLot builds an available lot owned by farmer.
func NewLot(draft LotDraft, farmer User, now time.Time) Lot {
	certs := draft.Certifications
	if certs == nil {
		certs = []Certification{}
	}
	image := draft.Image
	if image.URL == "" {
		image = PlaceholderImage(draft.ProductType)
	}
	return Lot{
		FarmerID:       farmer.ID,
		FarmerName:     farmer.Name,
		ProductType:    draft.ProductType,
		Quantity:       draft.Quantity,
		Unit:           draft.Unit,
		HarvestDate:    draft.HarvestDate,
		Location:       draft.Location,
		PricePerKg:     draft.PricePerKg,
		Certifications: certs,
		Status:         LotAvailable,
		Image:          image,
		CreatedAt:      now,
	}
}
