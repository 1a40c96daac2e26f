package models

import "strings"

// placeholderImages is matched against the product type when a lot is created without a photo.
var placeholderImages = []struct {
	Key string
	Image
}{
	{"tomate", Image{URL: "https://images.unsplash.com/photo-1546470427-f5c9439c5a2d", Hint: "tomatoes vine"}},
	{"papa", Image{URL: "https://images.unsplash.com/photo-1518977676601-b53f82aba655", Hint: "potatoes harvest"}},
	{"aguacate", Image{URL: "https://images.unsplash.com/photo-1523049673857-eb18f1d7b578", Hint: "avocado fruit"}},
	{"cafe", Image{URL: "https://images.unsplash.com/photo-1447933601403-0c6688de566e", Hint: "coffee beans"}},
	{"huevo", Image{URL: "https://images.unsplash.com/photo-1506976785307-8732e854ad03", Hint: "eggs basket"}},
	{"lechuga", Image{URL: "https://images.unsplash.com/photo-1622206151226-18ca2c9ab4a1", Hint: "field crop"}},
}

// PlaceholderImage picks a stock photo for productType, falling back to a generic field crop.
func PlaceholderImage(productType string) Image {
	hint := strings.ToLower(productType)
	hint = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u").Replace(hint)
	for _, p := range placeholderImages {
		if strings.Contains(hint, p.Key) {
			return p.Image
		}
	}
	return placeholderImages[len(placeholderImages)-1].Image
}
