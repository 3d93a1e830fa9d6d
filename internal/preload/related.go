package preload

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	cerrors "github.com/restopos/datacache/pkg/errors"
	"github.com/restopos/datacache/pkg/types"
)

// RelatedResult collects the outcome of a PreloadRelated fan-out
type RelatedResult struct {
	Primary    string           `json:"primary"`
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	Errors     map[string]error `json:"-"`
}

// PreloadRelated warms a cluster of related types concurrently. Every fetch
// runs to completion regardless of the others; the result counts successes
// (including types already cached) and failures.
func (s *Scheduler) PreloadRelated(ctx context.Context, primary string, related []string, fetches []types.FetchFunc) (RelatedResult, error) {
	result := RelatedResult{Primary: primary, Errors: make(map[string]error)}

	if len(related) != len(fetches) {
		return result, cerrors.Newf(cerrors.ErrCodeInvalidArgument,
			"related types and fetch functions differ in length: %d != %d", len(related), len(fetches)).
			WithComponent("preload").
			WithOperation("preload_related").
			WithContext("primary", primary)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for i, typ := range related {
		typ, fetch := typ, fetches[i]
		g.Go(func() error {
			_, err := s.PreloadSpecific(ctx, typ, fetch, types.PriorityNormal)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors[typ] = err
				return nil
			}
			result.Successful++
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("related preload finished", map[string]interface{}{
		"primary":    primary,
		"successful": result.Successful,
		"failed":     result.Failed,
	})
	return result, nil
}

// Summary formats the counts for logs and CLI output
func (r RelatedResult) Summary() string {
	return fmt.Sprintf("%s: %d ok, %d failed", r.Primary, r.Successful, r.Failed)
}
