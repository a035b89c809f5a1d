package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ncobase/guardrail/config"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
	writes  int
	closed  bool
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestEmitterFansOut(t *testing.T) {
	a, b := &memorySink{}, &memorySink{}
	e := NewEmitter([]Sink{a, b})

	e.EmitAuditEvent(context.Background(), Record{ModuleID: "chat", Success: true})
	e.EmitAuditEvent(context.Background(), Record{ModuleID: "chat", Success: false, Error: "boom"})
	require.NoError(t, e.Close())

	require.Len(t, a.records, 2)
	require.Len(t, b.records, 2)
	assert.NotEmpty(t, a.records[0].ID)
	assert.False(t, a.records[0].Time.IsZero())
	assert.Equal(t, "boom", b.records[1].Error)
	assert.True(t, a.closed)
}

func TestFailingSinkDoesNotAffectOthers(t *testing.T) {
	bad := &memorySink{err: errors.New("disk full")}
	good := &memorySink{}
	e := NewEmitter([]Sink{bad, good}, WithBreaker(2, time.Hour))

	for i := 0; i < 5; i++ {
		e.EmitAuditEvent(context.Background(), Record{ModuleID: "m"})
	}
	require.NoError(t, e.Close())

	assert.Len(t, good.records, 5)
	assert.Equal(t, 2, bad.writes, "breaker opens after two consecutive failures")
	_, failures := e.Stats()
	assert.Equal(t, int64(5), failures)
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	s := &memorySink{}
	e := NewEmitter([]Sink{s})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	e.EmitAuditEvent(context.Background(), Record{ModuleID: "m"})
	dropped, _ := e.Stats()
	assert.Equal(t, int64(1), dropped)
	assert.Empty(t, s.records)
}

func TestBoltSink(t *testing.T) {
	s, err := NewBoltSink(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	for _, m := range []string{"a", "b", "c"} {
		rec := NewRecord()
		rec.ModuleID = m
		require.NoError(t, s.Write(context.Background(), rec))
	}

	all, err := s.Records(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ModuleID)
	assert.Equal(t, "c", all[2].ModuleID)

	some, err := s.Records(2)
	require.NoError(t, err)
	assert.Len(t, some, 2)
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisSink(client, "guardrail:audit")
	defer s.Close()

	rec := NewRecord()
	rec.ModuleID = "chat"
	require.NoError(t, s.Write(context.Background(), rec))

	msgs, err := client.XRange(context.Background(), "guardrail:audit", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "chat", msgs[0].Values["module"])
	assert.Equal(t, rec.ID, msgs[0].Values["id"])
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSinkWithWriter(w)

	rec := NewRecord()
	rec.ModuleID = "rag"
	require.NoError(t, s.Write(context.Background(), rec))
	require.NoError(t, s.Close())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("rag"), w.msgs[0].Key)
	assert.Contains(t, string(w.msgs[0].Value), `"module":"rag"`)
	assert.True(t, w.closed)

	_, err := NewKafkaSink(nil, "t")
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	e, err := NewFromConfig(&config.Audit{
		Sinks:      []string{"log", "bolt"},
		BoltPath:   path,
		BufferSize: 8,
	})
	require.NoError(t, err)
	e.EmitAuditEvent(context.Background(), Record{ModuleID: "chat"})
	require.NoError(t, e.Close())

	s, err := NewBoltSink(path)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.Records(0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = NewFromConfig(&config.Audit{Sinks: []string{"tape"}})
	assert.Error(t, err)
}
