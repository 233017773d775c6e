package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// QueryAll follows the cursor until every page matching query is read.
func QueryAll(ctx context.Context, c Client, dbID string, query *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	req := &notionapi.DatabaseQueryRequest{}
	if query != nil {
		req.Filter = query.Filter
		req.Sorts = query.Sorts
		req.PageSize = query.PageSize
	}

	var all []notionapi.Page
	for {
		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrap(err, "notion: query all")
		}
		all = append(all, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		next := *req
		next.StartCursor = resp.NextCursor
		req = &next
	}
}

// QueryByStatus returns every page whose Status property equals status.
func QueryByStatus(ctx context.Context, c Client, dbID, status string) ([]notionapi.Page, error) {
	pages, err := QueryAll(ctx, c, dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Status",
			Status:   &notionapi.StatusFilterCondition{Equals: status},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "notion: query %s pages", status)
	}
	return pages, nil
}
