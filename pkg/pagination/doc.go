// Package pagination walks the show index in queue-driven pages.
//
// A bulk import never iterates the whole show index in one process. The Paginator
// handles one PageToken at a time: it reads members [offset, offset+size) from a
// SourceReader, enqueues one EntityTask per valid member and, when the page was full,
// enqueues the token for the next page. A short or empty page ends the run. Workers
// therefore hold no pagination state; the queue carries it.
//
// Key order of the source must be stable for the lifetime of a run, otherwise members
// can be skipped or visited twice. ShowIndex reads the index from the key-value store,
// whose queries are ordered lexicographically by key.
//
// BatchFetcher is the parallel counterpart used when seeding the show index from the
// catalog API, where pages are numbered and the total is unknown.
//
// Example:
//
//	p := pagination.NewPaginator(index, q, tracker, logger)
//	res, err := p.ProcessPage(ctx, queue.PageToken{RunID: runID, BatchNumber: 0, BatchSize: 100})
package pagination
