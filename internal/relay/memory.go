package relay

import (
	"context"
	"sync"

	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/watch"
)

// MemoryStore keeps documents in process. It backs tests and the relay
// service when no Redis is configured.
type MemoryStore struct {
	mu         sync.Mutex
	docs       map[string]*Record
	candidates map[string]map[string][]media.IceCandidate
	docSubs    map[string]map[int]*watch.Queue[*Record]
	candSubs   map[string]map[int]*candidateSub
	nextSub    int
}

type candidateSub struct {
	collection string
	queue      *watch.Queue[media.IceCandidate]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:       make(map[string]*Record),
		candidates: make(map[string]map[string][]media.IceCandidate),
		docSubs:    make(map[string]map[int]*watch.Queue[*Record]),
		candSubs:   make(map[string]map[int]*candidateSub),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[rec.ID] = rec.Clone()
	s.notifyDoc(rec.ID)
	return nil
}

func (s *MemoryStore) Merge(ctx context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	p.Apply(rec)
	s.notifyDoc(id)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) AppendCandidate(ctx context.Context, id, collection string, c media.IceCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	colls, ok := s.candidates[id]
	if !ok {
		colls = make(map[string][]media.IceCandidate)
		s.candidates[id] = colls
	}
	colls[collection] = append(colls[collection], c)

	for _, sub := range s.candSubs[id] {
		if sub.collection == collection {
			sub.queue.Push(c)
		}
	}
	return nil
}

func (s *MemoryStore) WatchDocument(ctx context.Context, id string) (<-chan *Record, error) {
	q := watch.NewQueue[*Record](ctx)

	s.mu.Lock()
	subID := s.nextSub
	s.nextSub++
	if s.docSubs[id] == nil {
		s.docSubs[id] = make(map[int]*watch.Queue[*Record])
	}
	s.docSubs[id][subID] = q
	q.Push(s.docs[id].Clone())
	s.mu.Unlock()

	go func() {
		<-q.Done()
		s.mu.Lock()
		delete(s.docSubs[id], subID)
		if len(s.docSubs[id]) == 0 {
			delete(s.docSubs, id)
		}
		s.mu.Unlock()
	}()

	return q.C(), nil
}

func (s *MemoryStore) WatchCandidates(ctx context.Context, id, collection string) (<-chan media.IceCandidate, error) {
	q := watch.NewQueue[media.IceCandidate](ctx)

	s.mu.Lock()
	subID := s.nextSub
	s.nextSub++
	if s.candSubs[id] == nil {
		s.candSubs[id] = make(map[int]*candidateSub)
	}
	s.candSubs[id][subID] = &candidateSub{collection: collection, queue: q}
	for _, c := range s.candidates[id][collection] {
		q.Push(c)
	}
	s.mu.Unlock()

	go func() {
		<-q.Done()
		s.mu.Lock()
		delete(s.candSubs[id], subID)
		if len(s.candSubs[id]) == 0 {
			delete(s.candSubs, id)
		}
		s.mu.Unlock()
	}()

	return q.C(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.candidates, id)
	for subID, sub := range s.candSubs[id] {
		sub.queue.Close()
		delete(s.candSubs[id], subID)
	}

	if _, ok := s.docs[id]; ok {
		delete(s.docs, id)
		s.notifyDoc(id)
	}
	return nil
}

// notifyDoc pushes the current state of id to its watchers. Callers hold
// s.mu.
func (s *MemoryStore) notifyDoc(id string) {
	rec := s.docs[id]
	for _, q := range s.docSubs[id] {
		q.Push(rec.Clone())
	}
}
