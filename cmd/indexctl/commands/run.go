package commands

import (
	"context"

	"github.com/urfave/cli/v3"
)

func (r *runner) workerAction(ctx context.Context, cmd *cli.Command) error {
	c, err := r.container(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.RunWorker(ctx)
}

func (r *runner) serveAction(ctx context.Context, cmd *cli.Command) error {
	c, err := r.container(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.RunAPI(ctx)
}
