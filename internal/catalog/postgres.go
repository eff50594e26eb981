package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/models"
)

// DBTX is the subset of *pgxpool.Pool the catalog uses.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Postgres implements Catalog over the relational catalog schema.
type Postgres struct {
	db   DBTX
	pool *pgxpool.Pool
}

// Connect opens a pooled connection to the catalog database.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{db: pool, pool: pool}, nil
}

// NewPostgres wraps an existing connection or pool.
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

// Close releases the pool when Connect created it.
func (c *Postgres) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// Ping checks connectivity.
func (c *Postgres) Ping(ctx context.Context) error {
	if err := c.db.Ping(ctx); err != nil {
		return apperrors.Unavailable("postgres", err)
	}
	return nil
}

const productSelect = `
	SELECT p.id, p.sku, p.name, p.slug, p.description, p.price, p.currency, p.stock, p.status,
	       p.vendor_id, p.category_id, COALESCE(c.name, '') AS category_name,
	       COALESCE((SELECT array_agg(t.name ORDER BY t.name)
	                 FROM product_tags pt JOIN tags t ON t.id = pt.tag_id
	                 WHERE pt.product_id = p.id), '{}') AS tags,
	       COALESCE((SELECT array_agg(i.url ORDER BY i.position, i.id)
	                 FROM product_images i WHERE i.product_id = p.id), '{}') AS images,
	       COALESCE((SELECT json_agg(json_build_object('id', v.id, 'sku', v.sku, 'stock', v.stock) ORDER BY v.id)
	                 FROM product_variants v WHERE v.product_id = p.id), '[]') AS variants,
	       COALESCE((SELECT AVG(r.rating)::float8 FROM reviews r WHERE r.product_id = p.id), 0) AS rating,
	       (SELECT COUNT(*) FROM reviews r WHERE r.product_id = p.id) AS review_count,
	       p.created_at, p.updated_at
	FROM products p
	LEFT JOIN categories c ON c.id = p.category_id`

// FindProductByID loads one product with its tags, images, variants and review aggregates.
func (c *Postgres) FindProductByID(ctx context.Context, id string) (*models.ProductRecord, error) {
	row := c.db.QueryRow(ctx, productSelect+`
	WHERE p.id = $1`, id)

	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("product", id)
		}
		return nil, fmt.Errorf("find product %s: %w", id, err)
	}
	return p, nil
}

// FindProducts fetches pageSize+1 rows to learn whether another page exists.
func (c *Postgres) FindProducts(ctx context.Context, filters models.ReindexFilters, page, pageSize int) ([]models.ProductRecord, bool, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	if page < 1 {
		page = 1
	}

	where, args := buildWhere(filters)
	n := len(args)
	query := fmt.Sprintf(`%s
	%s
	ORDER BY p.created_at DESC, p.id DESC
	LIMIT $%d OFFSET $%d`, productSelect, where, n+1, n+2)
	args = append(args, pageSize+1, (page-1)*pageSize)

	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("find products: %w", err)
	}
	defer rows.Close()

	products := make([]models.ProductRecord, 0, pageSize)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan product row: %w", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate product rows: %w", err)
	}

	hasMore := len(products) > pageSize
	if hasMore {
		products = products[:pageSize]
	}
	return products, hasMore, nil
}

// CountProducts counts products matching filters.
func (c *Postgres) CountProducts(ctx context.Context, filters models.ReindexFilters) (int, error) {
	where, args := buildWhere(filters)
	var total int
	if err := c.db.QueryRow(ctx, `SELECT COUNT(*) FROM products p `+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return total, nil
}

func buildWhere(filters models.ReindexFilters) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if filters.CategoryID != nil {
		args = append(args, *filters.CategoryID)
		conditions = append(conditions, fmt.Sprintf("p.category_id = $%d", len(args)))
	}
	if filters.VendorID != nil {
		args = append(args, *filters.VendorID)
		conditions = append(conditions, fmt.Sprintf("p.vendor_id = $%d", len(args)))
	}
	if filters.Status != nil {
		args = append(args, *filters.Status)
		conditions = append(conditions, fmt.Sprintf("p.status = $%d", len(args)))
	}
	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func scanProduct(row pgx.Row) (*models.ProductRecord, error) {
	var (
		p            models.ProductRecord
		variantsJSON []byte
		reviewCount  int64
	)
	if err := row.Scan(
		&p.ID,
		&p.SKU,
		&p.Name,
		&p.Slug,
		&p.Description,
		&p.Price,
		&p.Currency,
		&p.Stock,
		&p.Status,
		&p.VendorID,
		&p.CategoryID,
		&p.CategoryName,
		&p.Tags,
		&p.Images,
		&variantsJSON,
		&p.Rating,
		&reviewCount,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(variantsJSON) > 0 {
		if err := json.Unmarshal(variantsJSON, &p.Variants); err != nil {
			return nil, fmt.Errorf("unmarshal variants: %w", err)
		}
	}
	p.ReviewCount = int(reviewCount)
	return &p, nil
}
