package pos

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultPageSize = 100
	pageRetryDelay  = 2 * time.Second
)

// PageOptions tunes a PageAll run
type PageOptions struct {
	// PageSize overrides the default page size of 100
	PageSize int
	// Delay is slept between pages, to stay under upstream rate limits
	Delay time.Duration
}

// PageAll walks the upstream's offset-based pages and returns the
// concatenated data rows. Iteration stops on an empty page or once the
// cumulative row count reaches the reported total. A transient failure is
// retried once per page; a persistent failure surfaces with the number of
// pages already fetched, and nothing is returned (callers persist only
// complete result sets).
func (c *Client) PageAll(ctx context.Context, path string, query url.Values, opts PageOptions) ([]json.RawMessage, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var rows []json.RawMessage
	cursor := 0
	pages := 0

	for {
		q := url.Values{}
		for key, vals := range query {
			q[key] = vals
		}
		q.Set("pageSize", strconv.Itoa(pageSize))
		q.Set("currentItem", strconv.Itoa(cursor))

		var page Page
		err := c.Request(ctx, http.MethodGet, path, q, nil, &page)
		if err != nil && IsTransient(err) && ctx.Err() == nil {
			log.Warn().Err(err).Str("path", path).Int("cursor", cursor).
				Msg("Transient page fetch failure, retrying once")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pageRetryDelay):
			}
			err = c.Request(ctx, http.MethodGet, path, q, nil, &page)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "pagination of %s failed after %d pages", path, pages)
		}
		pages++

		if len(page.Data) == 0 {
			break
		}
		rows = append(rows, page.Data...)
		cursor += pageSize

		if page.Total > 0 && len(rows) >= page.Total {
			break
		}

		if opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
	}

	log.Debug().Str("path", path).Int("pages", pages).Int("rows", len(rows)).
		Msg("Completed upstream pagination")
	return rows, nil
}
