package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"fieldsync/server/common/infra/kv"
	commonlog "fieldsync/server/common/log"
)

const persistTimeout = 10 * time.Second

type pendingWrite struct {
	value  []byte
	delete bool
}

// StateStore is the in-memory mirror of every persisted key. Reads and writes
// complete against the mirror; a background writer pushes the latest value of each
// dirty key to the persister. The mirror is owned by the event loop.
type StateStore struct {
	mirror    map[string]json.RawMessage
	persister kv.Persister

	mu       sync.Mutex
	pending  map[string]pendingWrite
	order    []string
	signal   chan struct{}
	barriers chan chan struct{}
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// OpenStateStore rebuilds the mirror from the persister before returning.
func OpenStateStore(ctx context.Context, persister kv.Persister) (*StateStore, error) {
	entries, err := persister.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load persisted state: %w", err)
	}
	s := &StateStore{
		mirror:    make(map[string]json.RawMessage, len(entries)),
		persister: persister,
		pending:   map[string]pendingWrite{},
		signal:    make(chan struct{}, 1),
		barriers:  make(chan chan struct{}),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for key, value := range entries {
		if !json.Valid(value) {
			commonlog.Warnf("event=state_store action=load status=skipped key=%s reason=invalid_json", key)
			continue
		}
		s.mirror[key] = json.RawMessage(value)
	}
	commonlog.Infof("event=state_store action=load status=ok keys=%d", len(s.mirror))
	go s.writeLoop()
	return s, nil
}

func (s *StateStore) Get(key string) (json.RawMessage, bool) {
	v, ok := s.mirror[key]
	return v, ok
}

// GetJSON decodes the value under key into out and reports whether it existed.
func (s *StateStore) GetJSON(key string, out any) (bool, error) {
	v, ok := s.mirror[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(v, out); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *StateStore) Set(key string, value json.RawMessage) {
	stored := append(json.RawMessage(nil), value...)
	s.mirror[key] = stored
	s.enqueueWrite(key, pendingWrite{value: stored})
}

func (s *StateStore) SetJSON(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.Set(key, raw)
	return nil
}

// Merge applies patch to the current value as a JSON merge patch (RFC 7386) and
// stores the result.
func (s *StateStore) Merge(key string, patch json.RawMessage) (json.RawMessage, error) {
	var patchDoc any
	if err := json.Unmarshal(patch, &patchDoc); err != nil {
		return nil, fmt.Errorf("decode patch for %s: %w", key, err)
	}
	var current any
	if existing, ok := s.mirror[key]; ok {
		if err := json.Unmarshal(existing, &current); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	merged, err := json.Marshal(mergePatch(current, patchDoc))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	s.Set(key, merged)
	return merged, nil
}

func mergePatch(target, patch any) any {
	patchObj, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	targetObj, ok := target.(map[string]any)
	if !ok {
		targetObj = map[string]any{}
	}
	for k, v := range patchObj {
		if v == nil {
			delete(targetObj, k)
			continue
		}
		targetObj[k] = mergePatch(targetObj[k], v)
	}
	return targetObj
}

func (s *StateStore) Delete(key string) {
	delete(s.mirror, key)
	s.enqueueWrite(key, pendingWrite{delete: true})
}

func (s *StateStore) Keys() []string {
	keys := make([]string, 0, len(s.mirror))
	for key := range s.mirror {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *StateStore) enqueueWrite(key string, w pendingWrite) {
	s.mu.Lock()
	if _, ok := s.pending[key]; !ok {
		s.order = append(s.order, key)
	}
	s.pending[key] = w
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Sync blocks until every write issued before the call has been handed to the
// persister.
func (s *StateStore) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case s.barriers <- barrier:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and closes the persister.
func (s *StateStore) Close() error {
	s.once.Do(func() { close(s.quit) })
	<-s.done
	return s.persister.Close()
}

func (s *StateStore) writeLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.signal:
			s.drain()
		case barrier := <-s.barriers:
			s.drain()
			close(barrier)
		case <-s.quit:
			s.drain()
			return
		}
	}
}

func (s *StateStore) drain() {
	for {
		s.mu.Lock()
		if len(s.order) == 0 {
			s.mu.Unlock()
			return
		}
		key := s.order[0]
		s.order = s.order[1:]
		w := s.pending[key]
		delete(s.pending, key)
		s.mu.Unlock()

		s.persist(key, w)
	}
}

func (s *StateStore) persist(key string, w pendingWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	action := "save"
	if w.delete {
		action = "delete"
		err = s.persister.Delete(ctx, key)
	} else {
		err = s.persister.Save(ctx, key, w.value)
	}
	if err != nil {
		commonlog.Errorf("event=state_store action=%s status=failed key=%s error=%v", action, key, err)
		return
	}
	commonlog.Debugf("event=state_store action=%s status=ok key=%s bytes=%d", action, key, len(w.value))
}
