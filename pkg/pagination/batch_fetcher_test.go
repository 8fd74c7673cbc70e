package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// numberedPages serves pages 0..lastPage with itemsPerPage items each.
type numberedPages struct {
	mu           sync.Mutex
	lastPage     int
	itemsPerPage int
	failPage     int
	requested    []int
}

func (n *numberedPages) FetchPage(_ context.Context, page int) ([]json.RawMessage, error) {
	n.mu.Lock()
	n.requested = append(n.requested, page)
	n.mu.Unlock()

	if page == n.failPage {
		return nil, errors.New("server error")
	}
	if page > n.lastPage {
		return nil, nil
	}
	items := make([]json.RawMessage, n.itemsPerPage)
	for i := range items {
		items[i] = json.RawMessage(`{"id":1}`)
	}
	return items, nil
}

func TestNewBatchFetcher_Defaults(t *testing.T) {
	bf := NewBatchFetcher(&numberedPages{}, Config{})
	if bf.config != DefaultConfig() {
		t.Errorf("config = %+v, want %+v", bf.config, DefaultConfig())
	}
}

func TestBatchFetcher_FetchAllPages(t *testing.T) {
	src := &numberedPages{lastPage: 6, itemsPerPage: 3, failPage: -1}
	bf := NewBatchFetcher(src, Config{MaxConcurrency: 3, Timeout: time.Second})

	pages, err := bf.FetchAllPages(context.Background(), 0)
	if err != nil {
		t.Fatalf("FetchAllPages() error = %v", err)
	}

	if len(pages) != 7 {
		t.Errorf("got %d pages, want 7", len(pages))
	}
	for p := 0; p <= 6; p++ {
		if len(pages[p]) != 3 {
			t.Errorf("page %d has %d items, want 3", p, len(pages[p]))
		}
	}
	// Windows of 3: [0,3) [3,6) [6,9); the last one contains the empty pages.
	if len(src.requested) != 9 {
		t.Errorf("requested %d pages, want 9", len(src.requested))
	}
}

func TestBatchFetcher_StartPage(t *testing.T) {
	src := &numberedPages{lastPage: 4, itemsPerPage: 1, failPage: -1}
	bf := NewBatchFetcher(src, Config{MaxConcurrency: 2})

	pages, err := bf.FetchAllPages(context.Background(), 3)
	if err != nil {
		t.Fatalf("FetchAllPages() error = %v", err)
	}
	if len(pages) != 2 {
		t.Errorf("got %d pages, want 2 (pages 3 and 4)", len(pages))
	}
}

func TestBatchFetcher_PageError(t *testing.T) {
	src := &numberedPages{lastPage: 10, itemsPerPage: 1, failPage: 4}
	bf := NewBatchFetcher(src, Config{MaxConcurrency: 2})

	pages, err := bf.FetchAllPages(context.Background(), 0)
	if err == nil {
		t.Fatal("expected error for failing page")
	}
	if len(pages) < 4 {
		t.Errorf("partial results = %d pages, want at least 4", len(pages))
	}
}

func TestBatchFetcher_MaxPages(t *testing.T) {
	src := &numberedPages{lastPage: 1000, itemsPerPage: 1, failPage: -1}
	bf := NewBatchFetcher(src, Config{MaxConcurrency: 4, MaxPages: 10})

	pages, err := bf.FetchAllPages(context.Background(), 0)
	if err != nil {
		t.Fatalf("FetchAllPages() error = %v", err)
	}
	if len(pages) != 10 {
		t.Errorf("got %d pages, want 10", len(pages))
	}
}
