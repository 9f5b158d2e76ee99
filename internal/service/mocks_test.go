package service

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/Rrens/llm-chat-relay/internal/domain"
	"github.com/Rrens/llm-chat-relay/internal/llm"
)

// MockStore mocks domain.ConversationStore
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Get(ctx context.Context, owner, id string) (*domain.Conversation, error) {
	args := m.Called(ctx, owner, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation).Clone(), args.Error(1)
}

func (m *MockStore) Put(ctx context.Context, conv *domain.Conversation) error {
	args := m.Called(ctx, conv)
	return args.Error(0)
}

func (m *MockStore) PutWithUsage(ctx context.Context, conv *domain.Conversation, usage domain.Usage) error {
	args := m.Called(ctx, conv, usage)
	return args.Error(0)
}

func (m *MockStore) ListByOwner(ctx context.Context, owner string, includeDeleted bool) ([]domain.ConversationSummary, error) {
	args := m.Called(ctx, owner, includeDeleted)
	return args.Get(0).([]domain.ConversationSummary), args.Error(1)
}

func (m *MockStore) CountByOwner(ctx context.Context, owner string) (int, error) {
	args := m.Called(ctx, owner)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) LastRequestTime(ctx context.Context, owner string) (time.Time, error) {
	args := m.Called(ctx, owner)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

// MockBackend mocks llm.Backend
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Name() string {
	return "mock"
}

func (m *MockBackend) AvailableModels() []string {
	return []string{"mock-1"}
}

func (m *MockBackend) DefaultModel() string {
	return "mock-1"
}

func (m *MockBackend) IsConfigured() bool {
	return true
}

func (m *MockBackend) GetResponse(ctx context.Context, req llm.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) StreamResponse(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	args := m.Called(ctx, req)
	return args.Get(0).(iter.Seq2[string, error])
}

// chunks yields each fragment then, if err is set, a single error
func chunks(err error, fragments ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, f := range fragments {
			if !yield(f, nil) {
				return
			}
		}
		if err != nil {
			yield("", err)
		}
	}
}

type event struct {
	name    string
	content string
	conv    *domain.Conversation
	err     *domain.Error
}

// recordingSink captures events in order and can fail writes after a number of messages
type recordingSink struct {
	mu        sync.Mutex
	events    []event
	failAfter int
}

func (s *recordingSink) Message(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && s.count("message") >= s.failAfter {
		return context.Canceled
	}
	s.events = append(s.events, event{name: "message", content: content})
	return nil
}

func (s *recordingSink) Done(conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{name: "done", conv: conv})
	return nil
}

func (s *recordingSink) Error(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{name: "error_event", err: domain.ToError(err)})
	return nil
}

func (s *recordingSink) count(name string) int {
	n := 0
	for _, e := range s.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.events))
	for i, e := range s.events {
		names[i] = e.name
	}
	return names
}

func (s *recordingSink) last() event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
