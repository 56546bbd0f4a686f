package identity

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryStore is an in-process user directory for development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	byID         map[string]*User
	byCredential map[string]*User
}

// NewMemoryStore creates a store holding users.
func NewMemoryStore(users ...*User) (*MemoryStore, error) {
	s := &MemoryStore{
		byID:         make(map[string]*User),
		byCredential: make(map[string]*User),
	}
	for _, u := range users {
		if err := s.Add(u); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a user. IDs and credentials must be unique.
func (s *MemoryStore) Add(u *User) error {
	if u.ID == "" || u.Credential == "" {
		return fmt.Errorf("identity: user needs an id and a credential")
	}
	if !IsHash(u.PasswordHash) {
		return fmt.Errorf("identity: user %s has no bcrypt password hash", u.ID)
	}
	cred := NormalizeCredential(u.Credential)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[u.ID]; ok {
		return fmt.Errorf("identity: duplicate user id %s", u.ID)
	}
	if _, ok := s.byCredential[cred]; ok {
		return fmt.Errorf("identity: duplicate credential for user %s", u.ID)
	}
	stored := *u
	stored.Credential = cred
	s.byID[u.ID] = &stored
	s.byCredential[cred] = &stored
	return nil
}

func (s *MemoryStore) FindByCredential(_ context.Context, credential string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byCredential[NormalizeCredential(credential)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

type usersFile struct {
	Users []*User `yaml:"users"`
}

// LoadUsers reads a YAML user directory:
//
//	users:
//	  - id: u-1
//	    credential: alice@example.com
//	    password_hash: $2a$10$...
//	    roles: [admin]
func LoadUsers(r io.Reader) (*MemoryStore, error) {
	var f usersFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("identity: parse users: %w", err)
	}
	return NewMemoryStore(f.Users...)
}
