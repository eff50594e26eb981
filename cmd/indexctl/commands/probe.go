package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"search-indexer/internal/models"
)

// testAction indexes one product synchronously. Without an argument it picks
// the first product in the catalog.
func (r *runner) testAction(ctx context.Context, cmd *cli.Command) error {
	c, err := r.container(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	productID := cmd.Args().First()
	if productID == "" {
		products, _, err := c.Catalog.FindProducts(ctx, models.ReindexFilters{}, 1, 1)
		if err != nil {
			return fmt.Errorf("pick a product: %w", err)
		}
		if len(products) == 0 {
			return errors.New("catalog is empty, pass a product id")
		}
		productID = products[0].ID
	}

	out := stdout(cmd)
	fmt.Fprintf(out, "indexing %s\n", productID)
	res, err := c.Admin.TestIndex(ctx, productID)
	if err != nil {
		return err
	}
	if !res.Result.Success {
		red.Fprintf(out, "failed after %dms: %s\n", res.Result.DurationMs, res.Result.Error)
		return fmt.Errorf("index %s failed", productID)
	}
	green.Fprintf(out, "indexed in %dms (task %s)\n", res.Result.DurationMs, res.Result.EngineTaskID)
	if d := res.Document; d != nil {
		fmt.Fprintf(out, "  name:       %s\n", d.Name)
		fmt.Fprintf(out, "  status:     %s\n", d.Status)
		fmt.Fprintf(out, "  price:      %d %s\n", d.Price, d.Currency)
		fmt.Fprintf(out, "  in stock:   %t\n", d.InStock)
		fmt.Fprintf(out, "  popularity: %.2f\n", d.Popularity)
	}
	return nil
}
