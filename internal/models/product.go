package models

import (
	"time"
)

// ReindexFilters narrows the catalog walked by a reindex run. Nil fields match everything.
type ReindexFilters struct {
	CategoryID *string `json:"category_id,omitempty"`
	VendorID   *string `json:"vendor_id,omitempty"`
	Status     *string `json:"status,omitempty"`
}

// VariantRecord is one sellable variant of a product.
type VariantRecord struct {
	ID    string `json:"id"`
	SKU   string `json:"sku"`
	Stock int    `json:"stock"`
}

// ProductRecord is a product together with the relations the search document needs.
type ProductRecord struct {
	ID           string
	SKU          string
	Name         string
	Slug         string
	Description  string
	Price        int64
	Currency     string
	Stock        int
	Status       string
	VendorID     *string
	CategoryID   *string
	CategoryName string
	Tags         []string
	Images       []string
	Variants     []VariantRecord
	Rating       float64
	ReviewCount  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SearchDocument is the flattened product projection stored in the search index.
type SearchDocument struct {
	ID           string    `json:"id"`
	SKU          string    `json:"sku"`
	Slug         string    `json:"slug"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Price        int64     `json:"price"`
	Currency     string    `json:"currency"`
	InStock      bool      `json:"in_stock"`
	Stock        int       `json:"stock"`
	CategoryID   string    `json:"category_id"`
	CategoryName string    `json:"category_name"`
	VendorID     string    `json:"vendor_id"`
	Tags         []string  `json:"tags"`
	ImageURL     string    `json:"image_url"`
	Rating       float64   `json:"rating"`
	ReviewCount  int       `json:"review_count"`
	Popularity   float64   `json:"popularity"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IndexStats describes the state of a search index.
type IndexStats struct {
	DocumentCount int64 `json:"documentCount"`
	IsIndexing    bool  `json:"isIndexing"`
}
