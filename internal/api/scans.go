package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/models"
)

// CreateScan stores a scan remotely and returns the id the backend assigned.
func (c *Client) CreateScan(ctx context.Context, token string, req models.CreateScanRequest) (models.CreatedScan, error) {
	const op = "create scan"
	var out models.CreatedScan
	err := c.doJSON(ctx, call{
		op:      op,
		flow:    flowFor(token),
		method:  http.MethodPost,
		path:    "/scans/",
		token:   token,
		timeout: c.timeouts.Metadata,
	}, req, &out)
	if err != nil {
		return models.CreatedScan{}, err
	}
	if out.ID <= 0 {
		return models.CreatedScan{}, apierr.InvalidResponse(op, fmt.Errorf("invalid scan id %d", out.ID))
	}
	return out, nil
}

// ListScans returns up to limit scans, newest first.
func (c *Client) ListScans(ctx context.Context, token string, limit int) ([]models.RemoteScan, error) {
	const op = "list scans"
	if err := requireToken(op, token); err != nil {
		return nil, err
	}

	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/scans/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []models.RemoteScan
	err := c.doJSON(ctx, call{
		op:      op,
		flow:    apierr.FlowSession,
		method:  http.MethodGet,
		path:    path,
		token:   token,
		timeout: c.timeouts.Metadata,
	}, nil, &out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apierr.InvalidResponse(op, errors.New("expected a list of scans"))
	}
	return out, nil
}

// UpdateScanNotes replaces the notes on a remote scan.
func (c *Client) UpdateScanNotes(ctx context.Context, token string, id int64, notes string) error {
	const op = "update scan notes"
	if err := requireToken(op, token); err != nil {
		return err
	}
	return c.doJSON(ctx, call{
		op:      op,
		flow:    apierr.FlowSession,
		method:  http.MethodPut,
		path:    fmt.Sprintf("/scans/%d/notes", id),
		token:   token,
		timeout: c.timeouts.Metadata,
	}, map[string]string{"notes": notes}, nil)
}

// DeleteScan removes a remote scan.
func (c *Client) DeleteScan(ctx context.Context, token string, id int64) error {
	const op = "delete scan"
	if err := requireToken(op, token); err != nil {
		return err
	}
	return c.doJSON(ctx, call{
		op:      op,
		flow:    apierr.FlowSession,
		method:  http.MethodDelete,
		path:    fmt.Sprintf("/scans/%d", id),
		token:   token,
		timeout: c.timeouts.Metadata,
	}, nil, nil)
}

// ScanStats fetches per-mode totals for the account.
func (c *Client) ScanStats(ctx context.Context, token string) (models.ScanStats, error) {
	const op = "scan stats"
	if err := requireToken(op, token); err != nil {
		return models.ScanStats{}, err
	}
	var out models.ScanStats
	err := c.doJSON(ctx, call{
		op:      op,
		flow:    apierr.FlowSession,
		method:  http.MethodGet,
		path:    "/scans/stats/summary",
		token:   token,
		timeout: c.timeouts.Metadata,
	}, nil, &out)
	return out, err
}

func flowFor(token string) apierr.Flow {
	if token == "" {
		return apierr.FlowAnonymous
	}
	return apierr.FlowSession
}
