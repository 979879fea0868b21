package token

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pysugar/oauth2-credentials/internal/credential"
	"github.com/pysugar/oauth2-credentials/internal/db/models"
	"github.com/stretchr/testify/mock"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) SetBearerToken(token string) {
	m.Called(token)
}

func (m *mockClient) TestToken(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockClient) GetUserInfo(ctx context.Context) (*credential.UserInfo, error) {
	args := m.Called(ctx)
	info, _ := args.Get(0).(*credential.UserInfo)
	return info, args.Error(1)
}

func (m *mockClient) RefreshToken(ctx context.Context, accessToken, refreshToken, clientID string) (*credential.RefreshedFields, error) {
	args := m.Called(ctx, accessToken, refreshToken, clientID)
	fields, _ := args.Get(0).(*credential.RefreshedFields)
	return fields, args.Error(1)
}

func newMockClient() *mockClient {
	c := &mockClient{}
	c.On("SetBearerToken", mock.Anything).Maybe()
	return c
}

func factoryFor(c APIClient) ClientFactory {
	return func(string) APIClient { return c }
}

// memStore is an in-memory Store that stamps like the sqlite store does.
type memStore struct {
	mu         sync.Mutex
	creds      map[int]*credential.Credential
	disabled   map[int]bool
	createdAt  map[int]*time.Time
	tsErr      error
	replaceErr error
	replaced   []credential.Credential
	now        func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		creds:     map[int]*credential.Credential{},
		disabled:  map[int]bool{},
		createdAt: map[int]*time.Time{},
		now:       now,
	}
}

func (s *memStore) put(cred credential.Credential, createdAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cred
	s.creds[cred.AccountID] = &c
	s.createdAt[cred.AccountID] = createdAt
}

func (s *memStore) GetCredential(_ context.Context, accountID int, _ string) (*credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if accountID == 0 {
		for id, c := range s.creds {
			if !s.disabled[id] && c.IsValid() && id > accountID {
				accountID = id
			}
		}
	}
	c, ok := s.creds[accountID]
	if !ok || s.disabled[accountID] {
		return nil, credential.Errorf(credential.KindNotFound, "account %d", accountID)
	}
	out := *c
	return &out, nil
}

func (s *memStore) ReplaceCredential(_ context.Context, accountID int, cred *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	c := *cred
	s.creds[accountID] = &c
	s.replaced = append(s.replaced, c)
	if cred.AccessToken != "" {
		now := s.now()
		s.createdAt[accountID] = &now
	} else {
		delete(s.createdAt, accountID)
	}
	return nil
}

func (s *memStore) GetTokenCreatedAt(_ context.Context, accountID int) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tsErr != nil {
		return nil, s.tsErr
	}
	return s.createdAt[accountID], nil
}

func (s *memStore) ListAccounts(_ context.Context, provider string) ([]credential.AccountSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]credential.AccountSummary, 0, len(s.creds))
	for id := range s.creds {
		out = append(out, credential.AccountSummary{ID: id, Provider: provider, Enabled: !s.disabled[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replaced)
}

func (s *memStore) current(accountID int) credential.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.creds[accountID]
}

type eventLog struct {
	mu     sync.Mutex
	events []models.TokenEvent
}

func (l *eventLog) Record(_ context.Context, event models.TokenEvent) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) all() []models.TokenEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.TokenEvent(nil), l.events...)
}
