package mongostore

import (
	"fmt"
	"strings"
	"time"

	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// lotDocument is the stored shape of a lot. harvestDate has been written as a BSON date,
// an ISO-8601 string and a timestamp over time, so it is decoded by hand.
type lotDocument struct {
	ID             primitive.ObjectID `bson:"_id"`
	FarmerID       string             `bson:"farmerId"`
	FarmerName     string             `bson:"farmerName"`
	ProductType    string             `bson:"productType"`
	Quantity       float64            `bson:"quantity"`
	Unit           string             `bson:"unit"`
	HarvestDate    bson.RawValue      `bson:"harvestDate"`
	Location       string             `bson:"location"`
	PricePerKg     float64            `bson:"pricePerKg"`
	Certifications []string           `bson:"certifications"`
	Status         string             `bson:"status"`
	Image          models.Image       `bson:"image"`
	CreatedAt      time.Time          `bson:"createdAt"`
	SoldAt         *time.Time         `bson:"soldAt,omitempty"`
}

// lotRecord is what AddLot writes.
type lotRecord struct {
	FarmerID       string                 `bson:"farmerId"`
	FarmerName     string                 `bson:"farmerName"`
	ProductType    string                 `bson:"productType"`
	Quantity       float64                `bson:"quantity"`
	Unit           models.Unit            `bson:"unit"`
	HarvestDate    time.Time              `bson:"harvestDate"`
	Location       string                 `bson:"location"`
	PricePerKg     float64                `bson:"pricePerKg"`
	Certifications []models.Certification `bson:"certifications"`
	Status         models.LotStatus       `bson:"status"`
	Image          models.Image           `bson:"image"`
	CreatedAt      time.Time              `bson:"createdAt"`
}

func newLotRecord(l models.Lot) lotRecord {
	certs := l.Certifications
	if certs == nil {
		certs = []models.Certification{}
	}
	return lotRecord{
		FarmerID:       l.FarmerID,
		FarmerName:     l.FarmerName,
		ProductType:    l.ProductType,
		Quantity:       l.Quantity,
		Unit:           l.Unit,
		HarvestDate:    l.HarvestDate.UTC(),
		Location:       l.Location,
		PricePerKg:     l.PricePerKg,
		Certifications: certs,
		Status:         l.Status,
		Image:          l.Image,
		CreatedAt:      l.CreatedAt.UTC(),
	}
}

// decodeLot turns a raw lot document into a validated Lot. Malformed documents fail with
// apperr.ErrInvalidInput.
func decodeLot(raw bson.Raw) (models.Lot, error) {
	var doc lotDocument
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return models.Lot{}, fmt.Errorf("%w: malformed lot document: %v", apperr.ErrInvalidInput, err)
	}
	if doc.ID.IsZero() {
		return models.Lot{}, fmt.Errorf("%w: lot document without ObjectID _id", apperr.ErrInvalidInput)
	}

	harvest, err := decodeHarvestDate(doc.HarvestDate)
	if err != nil {
		return models.Lot{}, fmt.Errorf("%w: lot %s: %v", apperr.ErrInvalidInput, doc.ID.Hex(), err)
	}

	certs := make([]models.Certification, 0, len(doc.Certifications))
	for _, c := range doc.Certifications {
		certs = append(certs, models.Certification(c))
	}

	lot := models.Lot{
		ID:             doc.ID.Hex(),
		FarmerID:       doc.FarmerID,
		FarmerName:     doc.FarmerName,
		ProductType:    doc.ProductType,
		Quantity:       doc.Quantity,
		Unit:           models.Unit(doc.Unit),
		HarvestDate:    harvest,
		Location:       doc.Location,
		PricePerKg:     doc.PricePerKg,
		Certifications: certs,
		Status:         models.LotStatus(doc.Status),
		Image:          doc.Image,
		CreatedAt:      doc.CreatedAt,
		SoldAt:         doc.SoldAt,
	}
	if lot.Image.URL == "" {
		lot.Image = models.PlaceholderImage(lot.ProductType)
	}
	if err := lot.Validate(); err != nil {
		return models.Lot{}, err
	}
	return lot, nil
}

func decodeHarvestDate(v bson.RawValue) (time.Time, error) {
	switch v.Type {
	case bsontype.DateTime:
		ms, ok := v.DateTimeOK()
		if !ok {
			return time.Time{}, fmt.Errorf("bad harvestDate datetime")
		}
		return time.UnixMilli(ms).UTC(), nil
	case bsontype.String:
		s, _ := v.StringValueOK()
		return parseDate(s)
	case bsontype.Timestamp:
		secs, _, ok := v.TimestampOK()
		if !ok {
			return time.Time{}, fmt.Errorf("bad harvestDate timestamp")
		}
		return time.Unix(int64(secs), 0).UTC(), nil
	case 0, bsontype.Null, bsontype.Undefined:
		return time.Time{}, fmt.Errorf("missing harvestDate")
	default:
		return time.Time{}, fmt.Errorf("unsupported harvestDate type %s", v.Type)
	}
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable harvestDate %q", s)
	}
	return t, nil
}
