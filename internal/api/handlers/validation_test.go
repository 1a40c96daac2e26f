package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agro-market-api-server/internal/apperr"
	"agro-market-api-server/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDraft(t *testing.T) {
	req := CreateLotRequest{
		ProductType:    " Aguacate ",
		Quantity:       40,
		Unit:           "kg",
		HarvestDate:    "2024-06-10",
		Location:       "Antioquia",
		PricePerKg:     6000,
		Certifications: []string{"Orgánico", "Orgánico", "Comercio Justo"},
	}
	draft, err := req.Draft()
	require.NoError(t, err)
	assert.Equal(t, "Aguacate", draft.ProductType)
	assert.Equal(t, time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), draft.HarvestDate)
	assert.Equal(t, []models.Certification{"Orgánico", "Comercio Justo"}, draft.Certifications)

	req.HarvestDate = "10/06/2024"
	_, err = req.Draft()
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestRespondError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		body   string
	}{
		{fmt.Errorf("%w: lot 1", apperr.ErrNotFound), http.StatusNotFound, `{"error":"not found: lot 1"}`},
		{apperr.Remote("mark lots sold", errors.New("socket closed")), http.StatusBadGateway, `{"error":"Upstream service failed, please retry"}`},
		{errors.New("nil map"), http.StatusInternalServerError, `{"error":"Internal server error"}`},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		respondError(c, tc.err)
		assert.Equal(t, tc.status, w.Code)
		assert.JSONEq(t, tc.body, w.Body.String())
	}
}
