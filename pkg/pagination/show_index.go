package pagination

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Sternrassler/season-sync/pkg/kvstore"
)

// ShowPartition is the partition holding show ids in the show index table.
const ShowPartition = "show"

// ShowEntry is the stored document of a show index member.
type ShowEntry struct {
	ID      int    `json:"id"`
	Name    string `json:"name,omitempty"`
	Updated int64  `json:"updated,omitempty"`
}

// ShowIndex is the show id collection kept in the key-value store. Members are keyed
// by the decimal show id and read in lexicographic key order.
type ShowIndex struct {
	store kvstore.Store
	table string
}

// NewShowIndex creates a show index on the given table.
func NewShowIndex(store kvstore.Store, table string) *ShowIndex {
	return &ShowIndex{store: store, table: table}
}

// FetchPage implements SourceReader.
func (s *ShowIndex) FetchPage(ctx context.Context, offset, limit int) ([]Member, error) {
	entries, err := s.store.Query(ctx, s.table, kvstore.Query{
		Prefix: ShowPartition + "/",
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("read show index %s: %w", s.table, err)
	}

	members := make([]Member, 0, len(entries))
	for _, e := range entries {
		_, row, _ := kvstore.SplitKey(e.Key)
		members = append(members, Member{Key: row, Attributes: e.Value})
	}
	return members, nil
}

// Add writes shows to the index, replacing existing entries.
func (s *ShowIndex) Add(ctx context.Context, shows ...ShowEntry) error {
	for _, show := range shows {
		key := kvstore.Key(ShowPartition, strconv.Itoa(show.ID))
		if err := s.store.Upsert(ctx, s.table, key, show); err != nil {
			return fmt.Errorf("add show %d to index: %w", show.ID, err)
		}
	}
	return nil
}

// Probe checks that the index can be read.
func (s *ShowIndex) Probe(ctx context.Context) error {
	_, err := s.FetchPage(ctx, 0, 1)
	return err
}
