package logdb

import (
	"github.com/p2wdb/p2wdb/internal/storage"
)

const pageSize = 64

// Iterator is a lazy, de-duplicating reverse walk over the log. Records are
// loaded a page at a time, so an early stop never touches older pages.
type Iterator struct {
	store  logStore
	amount int
	seen   map[string]struct{}

	page    []*storage.LogRecord
	before  uint64
	yielded int
	done    bool
	item    Item
	err     error
}

func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if it.amount > 0 && it.yielded >= it.amount {
		it.done = true
		return false
	}

	for {
		if len(it.page) == 0 {
			if !it.load() {
				return false
			}
		}

		record := it.page[0]
		it.page = it.page[1:]

		entry, err := decodeEntry(record)
		if err != nil {
			it.err = err
			return false
		}

		if _, ok := it.seen[entry.Key]; ok {
			continue
		}
		it.seen[entry.Key] = struct{}{}

		// a DEL shadows older writes to its key without being yielded itself
		if entry.Op == OpDel {
			continue
		}

		it.item = Item{
			Key:   entry.Key,
			Value: entry.Value,
			Hash:  entry.Hash,
		}
		it.yielded++
		return true
	}
}

func (it *Iterator) load() bool {
	if it.before == 1 {
		it.done = true
		return false
	}

	records, err := it.store.ReverseLog(it.before, pageSize)
	if err != nil {
		it.err = err
		return false
	}
	if len(records) == 0 {
		it.done = true
		return false
	}

	it.page = records
	it.before = records[len(records)-1].Seq
	return true
}

func (it *Iterator) Item() Item {
	return it.item
}

func (it *Iterator) Err() error {
	return it.err
}
