package aggregator

import (
	"container/list"
	"errors"
	"hash/maphash"
	"sync"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
)

const (
	DefaultWindowSize = 7
	defaultShards     = 16
)

// windowKey identifies one rolling window.
type windowKey struct {
	fieldID string
	metric  string
}

type entry struct {
	key     windowKey
	win     *window
	lru     *list.Element // nil when the aggregator is unbounded
	evicted bool          // guarded by RollingMetricAggregator.lruMu
}

type shard struct {
	mu      sync.Mutex
	windows map[windowKey]*entry
}

// Options tunes a RollingMetricAggregator. The zero value is valid.
type Options struct {
	WindowSize int // values kept per (field, metric); default 7
	// MaxKeys caps tracked windows. When exceeded, the least recently ingested
	// window is dropped. 0 keeps every window for the life of the process.
	MaxKeys int
	Shards  int
}

// RollingMetricAggregator keeps a bounded window per (field, metric) and classifies
// every ingest against a ThresholdPolicy. Ingest is safe for concurrent use; calls on
// the same key are serialized by the key's shard lock, so FIFO order is arrival order.
type RollingMetricAggregator struct {
	size   int
	policy ThresholdPolicy
	seed   maphash.Seed
	shards []*shard

	// One recency list across all shards, so MaxKeys bounds the total.
	// Lock order is shard.mu then lruMu.
	lruMu   sync.Mutex
	order   *list.List // most recently ingested at the front
	maxKeys int        // 0 = unbounded
}

// New builds an aggregator. policy must not be nil.
func New(policy ThresholdPolicy, opts Options) (*RollingMetricAggregator, error) {
	if policy == nil {
		return nil, errors.New("aggregator: policy is required")
	}
	if opts.WindowSize < 0 || opts.MaxKeys < 0 || opts.Shards < 0 {
		return nil, errors.New("aggregator: options must not be negative")
	}
	if opts.WindowSize == 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Shards == 0 {
		opts.Shards = defaultShards
	}
	a := &RollingMetricAggregator{
		size:    opts.WindowSize,
		policy:  policy,
		seed:    maphash.MakeSeed(),
		shards:  make([]*shard, opts.Shards),
		order:   list.New(),
		maxKeys: opts.MaxKeys,
	}
	for i := range a.shards {
		a.shards[i] = &shard{windows: make(map[windowKey]*entry)}
	}
	return a, nil
}

func (a *RollingMetricAggregator) shardFor(k windowKey) *shard {
	var h maphash.Hash
	h.SetSeed(a.seed)
	_, _ = h.WriteString(k.fieldID)
	_ = h.WriteByte(0)
	_, _ = h.WriteString(k.metric)
	return a.shards[h.Sum64()%uint64(len(a.shards))]
}

// Ingest appends the sample to its window and returns the updated aggregate plus any
// alerts the policy raises. Invalid samples are rejected before any state changes.
func (a *RollingMetricAggregator) Ingest(s messages.SensorSample) (messages.LatestAggregate, []messages.AlertEvent, error) {
	if err := s.Validate(); err != nil {
		return messages.LatestAggregate{}, nil, err
	}
	k := windowKey{fieldID: s.FieldID, metric: s.MetricType}
	sh := a.shardFor(k)

	sh.mu.Lock()
	e, victims := a.lookup(sh, k)
	e.win.push(s.MetricValue)
	agg := messages.LatestAggregate{
		FieldID:    s.FieldID,
		MetricType: s.MetricType,
		Latest:     s.MetricValue,
		Mean:       e.win.mean(),
		Count:      e.win.len(),
		Timestamp:  s.Timestamp,
	}
	sh.mu.Unlock()
	a.drop(victims)

	var evaluated float64
	switch a.policy.Quantity(s.MetricType) {
	case QuantityRaw:
		evaluated = s.MetricValue
	case QuantityMean:
		evaluated = agg.Mean
	default:
		return agg, nil, nil
	}
	alert, ok := a.policy.Classify(s.MetricType, evaluated, EvalContext{FieldID: s.FieldID, Timestamp: s.Timestamp})
	if !ok {
		return agg, nil, nil
	}
	return agg, []messages.AlertEvent{alert}, nil
}

// lookup returns the entry for k, creating it on first use. When the aggregator is
// capped it also marks the globally least recently ingested entries as evicted
// until the total fits MaxKeys, and returns them for drop. Callers hold sh.mu.
func (a *RollingMetricAggregator) lookup(sh *shard, k windowKey) (*entry, []*entry) {
	e, ok := sh.windows[k]
	if a.maxKeys == 0 {
		if !ok {
			e = &entry{key: k, win: newWindow(a.size)}
			sh.windows[k] = e
		}
		return e, nil
	}

	a.lruMu.Lock()
	defer a.lruMu.Unlock()
	if ok && !e.evicted {
		a.order.MoveToFront(e.lru)
		return e, nil
	}
	// Either new, or evicted by a concurrent ingest and not yet dropped.
	e = &entry{key: k, win: newWindow(a.size)}
	sh.windows[k] = e
	e.lru = a.order.PushFront(e)
	var victims []*entry
	for a.order.Len() > a.maxKeys {
		oldest := a.order.Back()
		victim := oldest.Value.(*entry)
		a.order.Remove(oldest)
		victim.lru = nil
		victim.evicted = true
		victims = append(victims, victim)
	}
	return e, victims
}

// drop removes evicted entries from their shards. An entry that was already
// replaced by a fresh window for the same key is left alone.
func (a *RollingMetricAggregator) drop(victims []*entry) {
	for _, v := range victims {
		sh := a.shardFor(v.key)
		sh.mu.Lock()
		if sh.windows[v.key] == v {
			delete(sh.windows, v.key)
		}
		sh.mu.Unlock()
	}
}

// Window returns a copy of the values held for (fieldID, metric), oldest first.
func (a *RollingMetricAggregator) Window(fieldID, metric string) []float64 {
	k := windowKey{fieldID: fieldID, metric: metric}
	sh := a.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.windows[k]
	if !ok || a.isEvicted(e) {
		return nil
	}
	return e.win.values()
}

func (a *RollingMetricAggregator) isEvicted(e *entry) bool {
	if a.maxKeys == 0 {
		return false
	}
	a.lruMu.Lock()
	defer a.lruMu.Unlock()
	return e.evicted
}

// Keys reports how many windows are currently tracked.
func (a *RollingMetricAggregator) Keys() int {
	if a.maxKeys > 0 {
		a.lruMu.Lock()
		defer a.lruMu.Unlock()
		return a.order.Len()
	}
	n := 0
	for _, sh := range a.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

func (a *RollingMetricAggregator) Policy() ThresholdPolicy { return a.policy }

func (a *RollingMetricAggregator) WindowSize() int { return a.size }
