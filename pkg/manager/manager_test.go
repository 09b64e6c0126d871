package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arzzra/call_core/pkg/engine"
	"github.com/arzzra/call_core/pkg/engine/enginetest"
	"github.com/arzzra/call_core/pkg/session"
	"github.com/arzzra/call_core/pkg/state"
	"github.com/arzzra/call_core/pkg/transfer"
)

const waitTimeout = 2 * time.Second

// stubResolver отдает фиксированный набор маршрутов.
type stubResolver struct {
	routes []engine.Route
}

func (r *stubResolver) Resolve(context.Context, string, string) ([]engine.Route, error) {
	return r.routes, nil
}

func testRoute() engine.Route {
	return engine.Route{Transport: "udp", Host: "proxy.example.com", Port: 5060}
}

func testAccount() session.Account {
	return session.Account{ID: "alice@example.com", DisplayName: "Alice"}
}

// recorder собирает уведомления менеджера.
type recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *recorder) notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recorder) list() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

func (r *recorder) activations() []*IncomingRequest {
	var out []*IncomingRequest
	for _, n := range r.list() {
		if act, ok := n.(RequestActivatedNotification); ok {
			out = append(out, act.Request)
		}
	}
	return out
}

func (r *recorder) resolutions() []RequestResolvedNotification {
	var out []RequestResolvedNotification
	for _, n := range r.list() {
		if res, ok := n.(RequestResolvedNotification); ok {
			out = append(out, res)
		}
	}
	return out
}

func (r *recorder) activeChanges() []ActiveSessionChangedNotification {
	var out []ActiveSessionChangedNotification
	for _, n := range r.list() {
		if ch, ok := n.(ActiveSessionChangedNotification); ok {
			out = append(out, ch)
		}
	}
	return out
}

// tonesPlayer запоминает примененные итоги арбитража.
type tonesPlayer struct {
	mu      sync.Mutex
	applied []Tones
}

func (p *tonesPlayer) Apply(t Tones) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, t)
}

func (p *tonesPlayer) snapshot() []Tones {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Tones, len(p.applied))
	copy(out, p.applied)
	return out
}

func (p *tonesPlayer) last() Tones {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.applied) == 0 {
		return Tones{}
	}
	return p.applied[len(p.applied)-1]
}

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *enginetest.Engine, *recorder) {
	t.Helper()
	eng := enginetest.New()
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.Engine = eng
	cfg.Resolver = &stubResolver{routes: []engine.Route{testRoute()}}
	cfg.Account = testAccount()
	cfg.Notify = rec.notify
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, eng, rec
}

// dialSession создает исходящую сессию через менеджер и доводит ее до
// connecting; n — ожидаемое число сессий движка после набора.
func dialSession(t *testing.T, m *Manager, eng *enginetest.Engine, target string, n int, kinds ...engine.StreamKind) (*session.Session, *enginetest.Session) {
	t.Helper()
	s, err := m.CreateSession(session.Account{}, target, kinds, true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(eng.Sessions()) >= n && s.State().Match(state.Parse("connecting"))
	}, waitTimeout, 5*time.Millisecond, "session must reach connecting")
	return s, eng.Sessions()[n-1]
}

// establishSession доводит сессию до connected событиями движка.
func establishSession(t *testing.T, s *session.Session, eng *enginetest.Engine, es *enginetest.Session, kinds ...engine.StreamKind) {
	t.Helper()
	eng.FireStarted(es, kinds...)
	require.Eventually(t, func() bool {
		return s.State().Match(state.Parse("connected"))
	}, waitTimeout, 5*time.Millisecond, "session must reach connected")
}

// queuedRequest дожидается очереди длины want и возвращает запрос от uri.
func queuedRequest(t *testing.T, m *Manager, uri string, want int) *IncomingRequest {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(m.Requests()) == want
	}, waitTimeout, 5*time.Millisecond, "request must be queued")
	for _, r := range m.Requests() {
		if r.Contact().URI == uri {
			return r
		}
	}
	t.Fatalf("запрос от %s не найден в очереди", uri)
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestManagerConfigValidation(t *testing.T) {
	t.Run("без движка", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Resolver = &stubResolver{}
		_, err := New(cfg)
		require.Error(t, err)
	})

	t.Run("без резолвера", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Engine = enginetest.New()
		_, err := New(cfg)
		require.Error(t, err)
	})

	t.Run("пустая цель вызова", func(t *testing.T) {
		m, _, _ := newTestManager(t, nil)
		_, err := m.CreateSession(session.Account{}, "", []engine.StreamKind{engine.StreamAudio}, false)
		var mgrErr *Error
		require.ErrorAs(t, err, &mgrErr)
		assert.Equal(t, ErrorCodeInvalidInput, mgrErr.Code)
	})

	t.Run("пустой путь передачи", func(t *testing.T) {
		m, _, _ := newTestManager(t, nil)
		_, err := m.CreateTransfer(session.Account{}, "sip:bob@example.com", "", false)
		var mgrErr *Error
		require.ErrorAs(t, err, &mgrErr)
		assert.Equal(t, ErrorCodeInvalidInput, mgrErr.Code)
	})
}

func TestManagerOutgoingCallLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	player := &tonesPlayer{}
	m, eng, rec := newTestManager(t, func(c *Config) { c.Tones = player })

	s, err := m.CreateSession(session.Account{}, "sip:bob@example.com", []engine.StreamKind{engine.StreamAudio}, true)
	require.NoError(t, err)
	require.Len(t, m.Sessions(), 1)

	require.Eventually(t, func() bool {
		return eng.LastSession() != nil && s.State().Match(state.Parse("connecting"))
	}, waitTimeout, 5*time.Millisecond, "session must reach connecting")
	es := eng.LastSession()
	assert.Equal(t, "alice@example.com", es.Request().Account)
	assert.Equal(t, "sip:bob@example.com", es.Request().Target)

	// предварительный ответ включает контроль посылки вызова
	eng.FireProgress(es, 180)
	require.Eventually(t, func() bool {
		return s.State().String() == "connecting/ringing"
	}, waitTimeout, 5*time.Millisecond, "session must reach ringing")
	require.Eventually(t, func() bool {
		return player.last() == Tones{Outbound: ToneRingback}
	}, waitTimeout, 5*time.Millisecond, "ringback must be applied")
	assert.Equal(t, Tones{Outbound: ToneRingback}, m.Tones())

	// после установления разговора сигналы замолкают
	eng.FireStarted(es, engine.StreamAudio)
	require.Eventually(t, func() bool {
		return s.State().String() == "connected"
	}, waitTimeout, 5*time.Millisecond, "session must reach connected")
	require.Eventually(t, func() bool {
		return m.Tones() == Tones{}
	}, waitTimeout, 5*time.Millisecond, "tones must go silent")

	m.SetActive(s)
	assert.Same(t, s, m.Active())

	// единственный аудиопоток: после ended сессия сразу удаляется
	require.NoError(t, s.End())
	assert.Equal(t, 1, es.CallCount("end"))
	eng.FireEnded(es, engine.OriginatorLocal)
	require.Eventually(t, func() bool {
		return len(m.Sessions()) == 0
	}, waitTimeout, 5*time.Millisecond, "session must leave the registry")
	assert.Equal(t, "deleted", s.State().String())
	assert.Nil(t, m.Active())

	changes := rec.activeChanges()
	require.Len(t, changes, 2)
	assert.Same(t, s, changes[0].New)
	assert.Same(t, s, changes[1].Old)
	assert.Nil(t, changes[1].New)
	assert.Contains(t, player.snapshot(), Tones{Outbound: ToneRingback})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

func TestManagerSessionReuse(t *testing.T) {
	m, eng, _ := newTestManager(t, nil)

	// простаивающая initialized сессия того же контакта переиспользуется
	s1, err := m.CreateSession(session.Account{}, "sip:bob@example.com", []engine.StreamKind{engine.StreamAudio, engine.StreamChat}, false)
	require.NoError(t, err)
	s2, err := m.CreateSession(session.Account{}, "sip:bob@example.com", []engine.StreamKind{engine.StreamAudio}, false)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	require.Len(t, m.Sessions(), 1)

	// другой контакт получает новую сессию
	s3, es := dialSession(t, m, eng, "sip:carol@example.com", 1, engine.StreamAudio, engine.StreamChat)
	assert.NotSame(t, s1, s3)
	require.Len(t, m.Sessions(), 2)

	// завершенная многопотоковая сессия остается в реестре и оживает
	establishSession(t, s3, eng, es, engine.StreamAudio, engine.StreamChat)
	require.NoError(t, s3.End())
	eng.FireEnded(es, engine.OriginatorLocal)
	require.Eventually(t, func() bool {
		return s3.State().String() == "ended"
	}, waitTimeout, 5*time.Millisecond, "session must reach ended")
	require.Len(t, m.Sessions(), 2)

	s4, err := m.CreateSession(session.Account{}, "sip:carol@example.com", []engine.StreamKind{engine.StreamAudio}, false)
	require.NoError(t, err)
	assert.Same(t, s3, s4)
	assert.Equal(t, "initialized", s4.State().String())
	require.Len(t, m.Sessions(), 2)
}

func TestManagerActiveSessionArbitration(t *testing.T) {
	m, eng, rec := newTestManager(t, nil)

	a, esA := dialSession(t, m, eng, "sip:bob@example.com", 1, engine.StreamAudio, engine.StreamChat)
	establishSession(t, a, eng, esA, engine.StreamAudio, engine.StreamChat)
	b, esB := dialSession(t, m, eng, "sip:carol@example.com", 2, engine.StreamAudio, engine.StreamChat)
	establishSession(t, b, eng, esB, engine.StreamAudio, engine.StreamChat)

	m.SetActive(a)
	assert.Same(t, a, m.Active())
	assert.Equal(t, 0, esA.CallCount("hold"))

	// смена активной ставит прежнюю на удержание
	m.SetActive(b)
	assert.Same(t, b, m.Active())
	assert.Equal(t, 1, esA.CallCount("hold"))
	assert.True(t, a.OnHold())
	assert.Equal(t, 0, esB.CallCount("hold"))

	// возврат снимает удержание с новой активной
	m.SetActive(a)
	assert.Equal(t, 1, esA.CallCount("unhold"))
	assert.False(t, a.OnHold())
	assert.Equal(t, 1, esB.CallCount("hold"))

	// повторная активация той же сессии — пустая операция
	m.SetActive(a)
	require.Len(t, rec.activeChanges(), 3)

	// сброс активной не трогает удержание
	m.SetActive(nil)
	assert.Nil(t, m.Active())
	assert.Equal(t, 1, esA.CallCount("unhold"))
	assert.Equal(t, 1, esB.CallCount("hold"))
	changes := rec.activeChanges()
	require.Len(t, changes, 4)
	assert.Same(t, a, changes[3].Old)
	assert.Nil(t, changes[3].New)
}

func TestManagerActiveConferenceSwitch(t *testing.T) {
	m, eng, _ := newTestManager(t, nil)

	c, esC := dialSession(t, m, eng, "sip:bob@example.com", 1, engine.StreamAudio, engine.StreamChat)
	establishSession(t, c, eng, esC, engine.StreamAudio, engine.StreamChat)
	d, esD := dialSession(t, m, eng, "sip:carol@example.com", 2, engine.StreamAudio, engine.StreamChat)
	establishSession(t, d, eng, esD, engine.StreamAudio, engine.StreamChat)

	bridge, err := eng.CreateBridge(context.Background())
	require.NoError(t, err)
	conf := session.NewClientConference(bridge, nil)
	require.NoError(t, conf.AddSession(c))
	require.NoError(t, conf.AddSession(d))

	// внутри одной конференции смена активной не ставит прежнюю на удержание
	m.SetActive(c)
	m.SetActive(d)
	assert.Same(t, d, m.Active())
	assert.Equal(t, 0, esC.CallCount("hold"))
	assert.Equal(t, 0, esD.CallCount("hold"))

	// после распада конференции арбитраж удержания возвращается
	require.NoError(t, conf.RemoveSession(c))
	m.SetActive(c)
	assert.Equal(t, 1, esD.CallCount("hold"))
}

func TestManagerOutgoingTransferLifecycle(t *testing.T) {
	m, eng, _ := newTestManager(t, nil)
	path := writeFile(t, t.TempDir(), "doc.txt", "0123456789")

	tr, err := m.CreateTransfer(session.Account{}, "sip:bob@example.com", path, true)
	require.NoError(t, err)
	require.Len(t, m.Transfers(), 1)

	require.Eventually(t, func() bool {
		return tr.State().Match(state.Parse("connecting")) && len(eng.Sessions()) == 1
	}, waitTimeout, 5*time.Millisecond, "transfer must reach connecting")
	es := eng.Sessions()[0]
	req := es.Request()
	require.Len(t, req.Streams, 1)
	assert.Equal(t, engine.StreamFileTransfer, req.Streams[0].Kind)

	eng.FireStarted(es)
	require.Eventually(t, func() bool {
		return tr.State().String() == "connected"
	}, waitTimeout, 5*time.Millisecond, "transfer must reach connected")

	eng.Fire(engine.TransferProgressEvent{EventBase: engine.EventBase{Session: es}, Bytes: 10, Total: 10})
	eng.FireEnded(es, engine.OriginatorRemote)
	require.Eventually(t, func() bool {
		return tr.State().String() == "ended"
	}, waitTimeout, 5*time.Millisecond, "transfer must end")

	assert.False(t, tr.Failed())
	record := tr.Record()
	assert.Equal(t, transfer.ReasonCompleted, record.Reason)
	assert.Equal(t, uint64(10), record.Bytes)

	// повторная отправка того же файла тому же контакту оживает объект
	tr2, err := m.CreateTransfer(session.Account{}, "sip:bob@example.com", path, false)
	require.NoError(t, err)
	assert.Same(t, tr, tr2)
	assert.Equal(t, "initialized", tr2.State().String())
	require.Len(t, m.Transfers(), 1)
}

func TestManagerClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	m, eng, rec := newTestManager(t, nil)

	s, es := dialSession(t, m, eng, "sip:bob@example.com", 1, engine.StreamAudio, engine.StreamChat)
	establishSession(t, s, eng, es, engine.StreamAudio, engine.StreamChat)
	esIn := eng.NewIncoming("sip:carol@example.com", engine.StreamAudio)
	queuedRequest(t, m, "sip:carol@example.com", 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	// очередь отменена, подопечные завершаются, движок закрыт
	assert.Empty(t, m.Requests())
	res := rec.resolutions()
	require.Len(t, res, 1)
	assert.Equal(t, DecisionCancelled, res[0].Decision)
	assert.Equal(t, 1, es.CallCount("end"))
	assert.Equal(t, 1, esIn.CallCount("end"))

	// создание после остановки отклоняется
	_, err := m.CreateSession(session.Account{}, "sip:dave@example.com", []engine.StreamKind{engine.StreamAudio}, false)
	var mgrErr *Error
	require.ErrorAs(t, err, &mgrErr)
	assert.Equal(t, ErrorCodeClosed, mgrErr.Code)

	// повторное закрытие безвредно
	require.NoError(t, m.Close(context.Background()))
}
