package stream

import (
	"context"
	"fmt"
	"sync"

	kcl "github.com/shardconsumer/kcl/interfaces"
)

// FakeShard is one shard's fixture data for Fake.
type FakeShard struct {
	Records []kcl.Record
}

// Fake is a deterministic, in-memory Gateway used by shardworker and
// controller tests: a hand-rolled fake satisfying the narrow interface
// rather than a generated mock.
type Fake struct {
	mu sync.Mutex

	shards     map[kcl.ShardId]*FakeShard
	shardOrder []kcl.ShardId
	iterators  map[string]iteratorState

	// EmptyBatchesBeforeData makes the first N GetRecords calls against a
	// freshly-opened iterator return an empty batch before data is served,
	// used to exercise the EmptyReceive path deterministically.
	EmptyBatchesBeforeData int

	nextIteratorID int
}

type iteratorState struct {
	shardId kcl.ShardId
	offset  int
	emptiesServed int
}

// NewFake creates an empty Fake. Use AddShard to populate it.
func NewFake() *Fake {
	return &Fake{
		shards:    make(map[kcl.ShardId]*FakeShard),
		iterators: make(map[string]iteratorState),
	}
}

// AddShard registers a shard with its full record fixture.
func (f *Fake) AddShard(id kcl.ShardId, records []kcl.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.shards[id]; !exists {
		f.shardOrder = append(f.shardOrder, id)
	}
	f.shards[id] = &FakeShard{Records: records}
}

// RemoveShard drops a shard from the topology returned by ListShards,
// simulating a merge/split upstream.
func (f *Fake) RemoveShard(id kcl.ShardId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.shards, id)
	for i, s := range f.shardOrder {
		if s == id {
			f.shardOrder = append(f.shardOrder[:i], f.shardOrder[i+1:]...)
			break
		}
	}
}

func (f *Fake) ListShards(_ context.Context, _ kcl.StreamName) ([]kcl.ShardId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kcl.ShardId, len(f.shardOrder))
	copy(out, f.shardOrder)
	return out, nil
}

func (f *Fake) GetIterator(_ context.Context, _ kcl.StreamName, shardId kcl.ShardId, pos kcl.IteratorPosition) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	shard, ok := f.shards[shardId]
	if !ok {
		return "", fmt.Errorf("unknown shard %s", shardId)
	}

	offset := 0
	switch {
	case pos.IsTrimHorizon():
		offset = 0
	case pos.IsAtSequenceNumber(), pos.IsAfterSequenceNumber():
		target := pos.SequenceNumber()
		for i, r := range shard.Records {
			if r.SequenceNumber == target {
				if pos.IsAtSequenceNumber() {
					offset = i
				} else {
					offset = i + 1
				}
				break
			}
		}
	case pos.IsContinuationToken():
		state, ok := f.iterators[pos.Token()]
		if !ok {
			return "", fmt.Errorf("unknown continuation token %q", pos.Token())
		}
		offset = state.offset
	}

	f.nextIteratorID++
	token := fmt.Sprintf("iter-%d", f.nextIteratorID)
	f.iterators[token] = iteratorState{shardId: shardId, offset: offset}
	return token, nil
}

func (f *Fake) GetRecords(_ context.Context, token string, limit int32) (kcl.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.iterators[token]
	if !ok {
		return kcl.Batch{}, fmt.Errorf("unknown iterator token %q", token)
	}
	shard, ok := f.shards[state.shardId]
	if !ok {
		// Shard removed upstream: signal end-of-shard.
		return kcl.Batch{NextToken: nil}, nil
	}

	if state.offset >= len(shard.Records) || state.emptiesServed < f.EmptyBatchesBeforeData {
		state.emptiesServed++
		next := fmt.Sprintf("%s+", token)
		f.iterators[next] = state
		delete(f.iterators, token)
		return kcl.Batch{NextToken: &next}, nil
	}

	end := state.offset + int(limit)
	if limit <= 0 || end > len(shard.Records) {
		end = len(shard.Records)
	}
	batch := kcl.Batch{Records: append([]kcl.Record{}, shard.Records[state.offset:end]...)}

	newState := iteratorState{shardId: state.shardId, offset: end}
	f.nextIteratorID++
	next := fmt.Sprintf("iter-%d", f.nextIteratorID)
	f.iterators[next] = newState
	batch.NextToken = &next
	delete(f.iterators, token)
	return batch, nil
}

var _ Gateway = (*Fake)(nil)
