package model

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// TokenizeBatch tokenizes every text concurrently with at most parallel calls
// in flight. The result is indexed like texts. Any error cancels the remaining
// work and no results are returned.
func TokenizeBatch(ctx context.Context, t *Tokenizer, texts []string, addBOS, escape bool, parallel int) ([][]int32, error) {
	results := make([][]int32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}

	for i, text := range texts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			ids, err := t.Tokenize(text, addBOS, escape)
			if err != nil {
				slog.Debug("batch tokenize failed", "index", i, "error", err)
				return err
			}

			results[i] = ids
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
