package queue

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageToken_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(PageToken{RunID: "seasons_import_x", BatchNumber: 0, BatchSize: 100})
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"action":"process_batch","import_id":"seasons_import_x","batch_number":0,"batch_size":100}`,
		string(data))
}

func TestEntityTask_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(EntityTask{ShowID: 42, RunID: "run"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"show_id":42,"import_id":"run"}`, string(data))

	data, err = json.Marshal(EntityTask{ShowID: 42})
	require.NoError(t, err)
	assert.JSONEq(t, `{"show_id":42}`, string(data))
}

func TestPageToken_OffsetAndNext(t *testing.T) {
	p := PageToken{RunID: "r", BatchNumber: 2, BatchSize: 100}
	assert.Equal(t, 200, p.Offset())

	next := p.Next()
	assert.Equal(t, PageToken{RunID: "r", BatchNumber: 3, BatchSize: 100}, next)
	assert.Equal(t, 300, next.Offset())
}

func TestDecodeWorkItem(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    WorkItem
		wantErr bool
	}{
		{
			name: "page token",
			body: `{"action":"process_batch","import_id":"run","batch_number":3,"batch_size":50}`,
			want: PageToken{RunID: "run", BatchNumber: 3, BatchSize: 50},
		},
		{
			name: "page token default size",
			body: `{"action":"process_batch","import_id":"run","batch_number":0}`,
			want: PageToken{RunID: "run", BatchNumber: 0, BatchSize: DefaultBatchSize},
		},
		{
			name: "entity task with run",
			body: `{"show_id":82,"import_id":"run"}`,
			want: EntityTask{ShowID: 82, RunID: "run"},
		},
		{
			name: "entity task from updates",
			body: `{"show_id":82}`,
			want: EntityTask{ShowID: 82},
		},
		{name: "page token without run", body: `{"action":"process_batch","batch_number":0}`, wantErr: true},
		{name: "page token without batch", body: `{"action":"process_batch","import_id":"run"}`, wantErr: true},
		{name: "unknown action", body: `{"action":"delete_everything"}`, wantErr: true},
		{name: "missing show id", body: `{"import_id":"run"}`, wantErr: true},
		{name: "null show id", body: `{"show_id":null}`, wantErr: true},
		{name: "string show id", body: `{"show_id":"abc"}`, wantErr: true},
		{name: "zero show id", body: `{"show_id":0}`, wantErr: true},
		{name: "not json", body: `show 82`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeWorkItem([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidWorkItem) {
					t.Errorf("DecodeWorkItem() error = %v, want ErrInvalidWorkItem", err)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeWorkItem_RoundTripsMarshalledItems(t *testing.T) {
	items := []WorkItem{
		PageToken{RunID: "run", BatchNumber: 1, BatchSize: 100},
		EntityTask{ShowID: 7, RunID: "run"},
	}
	for _, item := range items {
		data, err := json.Marshal(item)
		require.NoError(t, err)

		got, err := DecodeWorkItem(data)
		require.NoError(t, err)
		assert.Equal(t, item, got)
	}
}
