//go:build unit

package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
)

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	records   map[int64]*OutboxRecord
	now       time.Time
	listErr   error
	setErr    error
	rejectSet bool
	setCalls  []statusCall
}

type statusCall struct {
	id     int64
	status Status
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[int64]*OutboxRecord),
		now:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) Insert(_ context.Context, _ Tx, payload Payload, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.now = s.now.Add(time.Second)
	s.records[s.nextID] = &OutboxRecord{
		ID:        s.nextID,
		Payload:   payload,
		Queue:     queue,
		Status:    StatusPending,
		CreatedAt: s.now,
	}

	return s.nextID, nil
}

func (s *memStore) ListPendingOldestFirst(_ context.Context) ([]*OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}

	out := make([]*OutboxRecord, 0, len(s.records))

	for _, r := range s.records {
		if r.Status == StatusPending {
			copied := *r
			out = append(out, &copied)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}

		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

func (s *memStore) SetStatus(_ context.Context, id int64, status Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setCalls = append(s.setCalls, statusCall{id: id, status: status})

	if s.setErr != nil {
		return false, s.setErr
	}

	if s.rejectSet {
		return false, nil
	}

	r, ok := s.records[id]
	if !ok || !r.Status.CanTransitionTo(status) {
		return false, nil
	}

	r.Status = status

	return true, nil
}

func (s *memStore) statusCalls() []statusCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]statusCall(nil), s.setCalls...)
}

func (s *memStore) status(id int64) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.records[id].Status
}

func (s *memStore) add(queue string, payload Payload) int64 {
	id, _ := s.Insert(context.Background(), nil, payload, queue)

	return id
}

type failingStore struct {
	*memStore
	insertErr error
}

func (s *failingStore) Insert(context.Context, Tx, Payload, string) (int64, error) {
	return 0, s.insertErr
}

var errBrokerDown = errors.New("broker down")

type recordingPublisher struct {
	mu        sync.Mutex
	messages  []Message
	failFor   map[string]bool
	err       error
	onPublish func(Message)
}

func (p *recordingPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	hook := p.onPublish
	fail := p.failFor[msg.MessageID]
	err := p.err
	p.mu.Unlock()

	if hook != nil {
		hook(msg)
	}

	if err != nil {
		return err
	}

	if fail {
		return NewError(KindTransport, "publish", errBrokerDown)
	}

	return ctx.Err()
}

func (p *recordingPublisher) published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Message(nil), p.messages...)
}

type entry struct {
	level  log.Level
	msg    string
	fields []log.Field
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []entry
}

func (l *recordingLogger) Log(_ context.Context, level log.Level, msg string, fields ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) With(...log.Field) log.Logger { return l }
func (l *recordingLogger) WithGroup(string) log.Logger { return l }
func (l *recordingLogger) Enabled(log.Level) bool { return true }
func (l *recordingLogger) Sync(context.Context) error { return nil }

func (l *recordingLogger) has(level log.Level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}

	return false
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }
