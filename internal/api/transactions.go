package api

import (
	"context"
	"errors"
	"net/url"
	"strconv"
)

// GetTransaction fetches the current state of one transaction. This is the
// single status-fetch primitive: the poller and manual refresh both use it.
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	if transactionID == "" {
		return nil, errors.New("transaction id is required")
	}
	var tx Transaction
	if err := c.get(ctx, "transactions/"+url.PathEscape(transactionID), nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListFilter narrows a transaction listing. Zero values mean "no filter".
type ListFilter struct {
	FlowType FlowType
	Status   Status
	Limit    int
}

// ListTransactions returns the caller's transaction history, newest first.
func (c *Client) ListTransactions(ctx context.Context, filter ListFilter) ([]Transaction, error) {
	query := url.Values{}
	if filter.FlowType != "" {
		query.Set("flowType", string(filter.FlowType))
	}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var txs []Transaction
	if err := c.get(ctx, "transactions", query, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}
