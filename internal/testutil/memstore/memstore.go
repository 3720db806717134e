// Package memstore is an in-memory stand-in for the Postgres repository,
// used by service and handler tests.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/propelr/propelr/internal/model"
	"github.com/propelr/propelr/internal/repository"
)

// Store keeps users, keys, flows and runs in maps. Errors can be
// injected per operation with FailNext.
type Store struct {
	mu    sync.Mutex
	users map[string]*model.User
	keys  map[string]*model.APIKey
	flows map[string]*model.Flow
	runs  []*model.FlowRun
	fail  map[string]error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users: make(map[string]*model.User),
		keys:  make(map[string]*model.APIKey),
		flows: make(map[string]*model.Flow),
		fail:  make(map[string]error),
	}
}

// FailNext makes the next call to op return err. op is the method name,
// e.g. "UpdateFlowStatus".
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

func (s *Store) injected(op string) error {
	err, ok := s.fail[op]
	if ok {
		delete(s.fail, op)
	}
	return err
}

// CreateUser stores a user; emails are unique.
func (s *Store) CreateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateUser"); err != nil {
		return err
	}
	for _, u := range s.users {
		if u.Email == user.Email {
			return repository.ErrEmailExists
		}
	}
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

// GetUserByEmail looks a user up by email.
func (s *Store) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

// CreateAPIKey stores a key.
func (s *Store) CreateAPIKey(_ context.Context, key *model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateAPIKey"); err != nil {
		return err
	}
	cp := *key
	cp.Permissions = slices.Clone(key.Permissions)
	s.keys[key.ID] = &cp
	return nil
}

// GetAPIKeysByPrefix returns keys with the given visible prefix.
func (s *Store) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListAPIKeysByUserID returns a user's keys, newest first.
func (s *Store) ListAPIKeysByUserID(_ context.Context, userID string) ([]*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *model.APIKey) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// UpdateAPIKeyLastUsed stamps a key's last use.
func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return repository.ErrAPIKeyNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}

// CreateFlow stores a flow.
func (s *Store) CreateFlow(_ context.Context, flow *model.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateFlow"); err != nil {
		return err
	}
	s.flows[flow.ID] = cloneFlow(flow)
	return nil
}

// GetFlow returns a flow by id.
func (s *Store) GetFlow(_ context.Context, id string) (*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetFlow"); err != nil {
		return nil, err
	}
	f, ok := s.flows[id]
	if !ok {
		return nil, repository.ErrFlowNotFound
	}
	return cloneFlow(f), nil
}

// GetOwnedFlow returns a flow only if ownerID owns it.
func (s *Store) GetOwnedFlow(_ context.Context, id, ownerID string) (*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetOwnedFlow"); err != nil {
		return nil, err
	}
	f, ok := s.flows[id]
	if !ok || f.UserID != ownerID {
		return nil, repository.ErrFlowNotFound
	}
	return cloneFlow(f), nil
}

// ListFlowsByOwner returns a user's flows, oldest first.
func (s *Store) ListFlowsByOwner(_ context.Context, ownerID string) ([]*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListFlowsByOwner"); err != nil {
		return nil, err
	}
	return s.sorted(func(f *model.Flow) bool { return f.UserID == ownerID }), nil
}

// ListScheduledFlows returns every flow with a recurring schedule.
func (s *Store) ListScheduledFlows(_ context.Context) ([]*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListScheduledFlows"); err != nil {
		return nil, err
	}
	return s.sorted((*model.Flow).IsScheduled), nil
}

// UpdateFlowStatus sets a flow's status.
func (s *Store) UpdateFlowStatus(_ context.Context, id string, status model.FlowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdateFlowStatus"); err != nil {
		return err
	}
	f, ok := s.flows[id]
	if !ok {
		return repository.ErrFlowNotFound
	}
	f.Status = status
	f.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteOwnedFlow removes a flow and its runs.
func (s *Store) DeleteOwnedFlow(_ context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeleteOwnedFlow"); err != nil {
		return err
	}
	f, ok := s.flows[id]
	if !ok || f.UserID != ownerID {
		return repository.ErrFlowNotFound
	}
	delete(s.flows, id)
	s.runs = slices.DeleteFunc(s.runs, func(r *model.FlowRun) bool { return r.FlowID == id })
	return nil
}

// CreateRun records a run.
func (s *Store) CreateRun(_ context.Context, run *model.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateRun"); err != nil {
		return err
	}
	cp := *run
	s.runs = append(s.runs, &cp)
	return nil
}

// ListRuns returns a flow's runs, newest first.
func (s *Store) ListRuns(_ context.Context, flowID string, limit int) ([]*model.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.FlowRun
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.runs[i].FlowID == flowID {
			cp := *s.runs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Flow returns the stored flow without owner checks, or nil.
func (s *Store) Flow(id string) *model.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil
	}
	return cloneFlow(f)
}

// Runs returns every recorded run for flowID in insertion order.
func (s *Store) Runs(flowID string) []*model.FlowRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.FlowRun
	for _, r := range s.runs {
		if r.FlowID == flowID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

func (s *Store) sorted(keep func(*model.Flow) bool) []*model.Flow {
	var out []*model.Flow
	for _, f := range s.flows {
		if keep(f) {
			out = append(out, cloneFlow(f))
		}
	}
	slices.SortFunc(out, func(a, b *model.Flow) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func cloneFlow(f *model.Flow) *model.Flow {
	cp := *f
	cp.Query.Vars = slices.Clone(f.Query.Vars)
	return &cp
}
