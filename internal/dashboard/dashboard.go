// Package dashboard derives farmer statistics from a farmer's lots.
package dashboard

import "agro-market-api-server/internal/models"

type FarmerStats struct {
	CreatedLots   int     `json:"createdLots"`
	AvailableLots int     `json:"availableLots"`
	SoldLots      int     `json:"soldLots"`
	TotalIncome   float64 `json:"totalIncome"`
}

// Compute counts lots by status. Income is the full price of every sold lot.
func Compute(lots []models.Lot) FarmerStats {
	stats := FarmerStats{CreatedLots: len(lots)}
	for _, lot := range lots {
		switch lot.Status {
		case models.LotAvailable:
			stats.AvailableLots++
		case models.LotSold:
			stats.SoldLots++
			stats.TotalIncome += lot.Total()
		}
	}
	return stats
}
