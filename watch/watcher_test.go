package watch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingSession counts and keeps every response sent through it.
type recordingSession struct {
	id WatcherID

	mu    sync.Mutex
	resps []*Response
	err   error
}

func newRecordingSession(id WatcherID) *recordingSession {
	return &recordingSession{id: id}
}

func (s *recordingSession) ID() WatcherID { return s.id }

func (s *recordingSession) Send(resp *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resps = append(s.resps, resp)
	return s.err
}

func (s *recordingSession) sent() []*Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Response(nil), s.resps...)
}

func (s *recordingSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resps)
}

func newTestWatcher(t testing.TB, typ WatchType, s Session, deadline time.Time, keys ...string) *Watcher {
	cfg := Config{Type: typ, TableID: 1, Session: s, Deadline: deadline}
	for _, k := range keys {
		cfg.Keys = append(cfg.Keys, []byte(k))
	}
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	return w
}

func TestNewWatcherValidation(t *testing.T) {
	s := newRecordingSession(1)
	deadline := time.Now().Add(time.Minute)

	tests := map[string]Config{
		"type":      {Type: WatchType(9), Keys: [][]byte{[]byte("a")}, Session: s, Deadline: deadline},
		"session":   {Keys: [][]byte{[]byte("a")}, Deadline: deadline},
		"deadline":  {Keys: [][]byte{[]byte("a")}, Session: s},
		"no keys":   {Session: s, Deadline: deadline},
		"empty key": {Keys: [][]byte{[]byte("a"), {}}, Session: s, Deadline: deadline},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewWatcher(cfg)
			require.True(t, errors.Is(err, ErrInvalidWatcher), "got %v", err)
		})
	}
}

func TestNewWatcherCopiesKeys(t *testing.T) {
	key := []byte("k1")
	w, err := NewWatcher(Config{
		Type:       PrefixWatch,
		TableID:    5,
		Keys:       [][]byte{key, []byte("k2"), []byte("k1")},
		KeyVersion: 3,
		Session:    newRecordingSession(42),
		Deadline:   time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	key[0] = 'x'

	require.Equal(t, [][]byte{[]byte("k1"), []byte("k2")}, w.Keys(), "keys are copied and deduplicated")
	require.Equal(t, WatcherID(42), w.ID())
	require.Equal(t, PrefixWatch, w.Type())
	require.EqualValues(t, 5, w.TableID())
	require.EqualValues(t, 3, w.KeyVersion())
}

func TestWatcherSendOnce(t *testing.T) {
	s := newRecordingSession(7)
	w := newTestWatcher(t, KeyWatch, s, time.Now().Add(time.Minute), "k")
	require.False(t, w.Delivered())

	resp := &Response{GlobalVersion: 3, Events: []Event{{Type: EventPut, Key: []byte("k")}}}
	sent, err := w.Send(resp)
	require.NoError(t, err)
	require.True(t, sent)
	require.True(t, w.Delivered())

	sent, err = w.Send(&Response{})
	require.NoError(t, err)
	require.False(t, sent)

	got := s.sent()
	require.Len(t, got, 1)
	require.Equal(t, WatcherID(7), got[0].WatcherID)
	require.EqualValues(t, 3, got[0].GlobalVersion)
	require.Zero(t, resp.WatcherID, "caller's response is not modified")
}

func TestWatcherSendFailureStillLatches(t *testing.T) {
	s := newRecordingSession(1)
	s.err = errors.New("broken pipe")
	w := newTestWatcher(t, KeyWatch, s, time.Now().Add(time.Minute), "k")

	sent, err := w.Send(&Response{})
	require.True(t, sent)
	require.Error(t, err)

	sent, err = w.Send(&Response{})
	require.False(t, sent)
	require.NoError(t, err)
	require.Equal(t, 1, s.count())
}

func TestWatcherConcurrentSend(t *testing.T) {
	s := newRecordingSession(1)
	w := newTestWatcher(t, KeyWatch, s, time.Now().Add(time.Minute), "k")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sent, _ := w.Send(&Response{}); sent {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, won)
	require.Equal(t, 1, s.count())
}
