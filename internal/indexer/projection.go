package indexer

import (
	"math"

	"search-indexer/internal/models"
)

// Project flattens a catalog record into its search document. It reads
// nothing but its input, so the same record always yields the same document.
func Project(p *models.ProductRecord) models.SearchDocument {
	stock := p.Stock
	if len(p.Variants) > 0 {
		stock = 0
		for _, v := range p.Variants {
			stock += v.Stock
		}
	}

	tags := make([]string, len(p.Tags))
	copy(tags, p.Tags)

	var image string
	if len(p.Images) > 0 {
		image = p.Images[0]
	}

	return models.SearchDocument{
		ID:           p.ID,
		SKU:          p.SKU,
		Slug:         p.Slug,
		Name:         p.Name,
		Description:  p.Description,
		Price:        p.Price,
		Currency:     p.Currency,
		InStock:      stock > 0,
		Stock:        stock,
		CategoryID:   deref(p.CategoryID),
		CategoryName: p.CategoryName,
		VendorID:     deref(p.VendorID),
		Tags:         tags,
		ImageURL:     image,
		Rating:       round2(p.Rating),
		ReviewCount:  p.ReviewCount,
		Popularity:   Popularity(p.Rating, p.ReviewCount),
		Status:       p.Status,
		CreatedAt:    p.CreatedAt.UTC(),
		UpdatedAt:    p.UpdatedAt.UTC(),
	}
}

// Popularity is rating * ln(1 + reviewCount), rounded to two decimals.
func Popularity(rating float64, reviewCount int) float64 {
	if reviewCount <= 0 || rating <= 0 {
		return 0
	}
	return round2(rating * math.Log1p(float64(reviewCount)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
