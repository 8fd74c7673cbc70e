package tvmaze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Sternrassler/season-sync/pkg/season"
)

// Period selects the window of the show updates feed.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ErrInvalidPeriod is returned by ParsePeriod for anything but day, week or month.
var ErrInvalidPeriod = errors.New("since must be one of day, week, month")

// ParsePeriod validates an updates window.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodDay, PeriodWeek, PeriodMonth:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
}

// GetSeasons returns the season objects of a show. An unknown show yields an error
// matching ErrNotFound.
func (c *Client) GetSeasons(ctx context.Context, showID int) ([]season.Record, error) {
	body, err := c.Get(ctx, fmt.Sprintf("/shows/%d/seasons", showID), nil)
	if err != nil {
		return nil, fmt.Errorf("get seasons of show %d: %w", showID, err)
	}

	var records []season.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode seasons of show %d: %w", showID, err)
	}
	return records, nil
}

// GetShowUpdates returns the shows updated within period, keyed by show id, with the
// unix time of their last update.
func (c *Client) GetShowUpdates(ctx context.Context, period Period) (map[int]int64, error) {
	body, err := c.Get(ctx, "/updates/shows", url.Values{"since": {string(period)}})
	if err != nil {
		return nil, fmt.Errorf("get show updates: %w", err)
	}

	var raw map[string]int64
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode show updates: %w", err)
	}

	updates := make(map[int]int64, len(raw))
	for key, ts := range raw {
		id, err := strconv.Atoi(key)
		if err != nil || id <= 0 {
			c.logger.Warn().Str("key", key).Msg("Skipping show update with invalid show id")
			continue
		}
		updates[id] = ts
	}
	return updates, nil
}

// ShowIndexPage returns one page of the show index (/shows?page=N). Pages past the
// end of the index come back empty.
func (c *Client) ShowIndexPage(ctx context.Context, page int) ([]json.RawMessage, error) {
	body, err := c.Get(ctx, "/shows", url.Values{"page": {strconv.Itoa(page)}})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get show index page %d: %w", page, err)
	}

	var shows []json.RawMessage
	if err := json.Unmarshal(body, &shows); err != nil {
		return nil, fmt.Errorf("decode show index page %d: %w", page, err)
	}
	return shows, nil
}

// ShowPages adapts the show index to a page-numbered fetcher.
type ShowPages struct {
	Client *Client
}

// FetchPage implements pagination.PageFetcher.
func (p ShowPages) FetchPage(ctx context.Context, page int) ([]json.RawMessage, error) {
	return p.Client.ShowIndexPage(ctx, page)
}
