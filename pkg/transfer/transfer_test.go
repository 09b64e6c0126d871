package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_core/pkg/contacts"
	"github.com/arzzra/call_core/pkg/engine"
	"github.com/arzzra/call_core/pkg/engine/enginetest"
	"github.com/arzzra/call_core/pkg/session"
)

const waitTimeout = 2 * time.Second

// stubResolver — управляемый резолвер маршрутов для тестов.
type stubResolver struct {
	mu     sync.Mutex
	routes []engine.Route
	err    error
	block  chan struct{}
	calls  int
}

func newStubResolver(routes ...engine.Route) *stubResolver {
	return &stubResolver{routes: routes}
}

func (r *stubResolver) Resolve(ctx context.Context, _, _ string) ([]engine.Route, error) {
	r.mu.Lock()
	r.calls++
	block := r.block
	routes, err := r.routes, r.err
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return routes, err
}

// recorder собирает уведомления передачи.
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

// states возвращает последовательность посещенных состояний.
func (r *recorder) states() []string {
	var out []string
	for _, n := range r.list() {
		if sc, ok := n.(StateChangedNotification); ok {
			out = append(out, sc.New.String())
		}
	}
	return out
}

func testAccount() session.Account {
	return session.Account{ID: "alice@example.com", DisplayName: "Alice"}
}

func testContact() contacts.Contact {
	return contacts.Contact{URI: "sip:bob@example.com", DisplayName: "Bob"}
}

func testRoute() engine.Route {
	return engine.Route{Transport: "udp", Host: "10.0.0.2", Port: 5060}
}

func newTestTransfer(t *testing.T, resolver *stubResolver, kr *KeyRing) (*Transfer, *enginetest.Engine, *recorder) {
	t.Helper()
	eng := enginetest.New()
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.Engine = eng
	cfg.Resolver = resolver
	cfg.Notify = rec.notify
	cfg.KeyRing = kr
	tr, err := New(cfg)
	require.NoError(t, err)
	return tr, eng, rec
}

// waitConnecting дожидается, пока передача дойдет до connecting и движок
// создаст n-ю сессию.
func waitConnecting(t *testing.T, tr *Transfer, eng *enginetest.Engine, n int) *enginetest.Session {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.State().String() == "connecting" && len(eng.Sessions()) >= n
	}, waitTimeout, 5*time.Millisecond, "transfer must reach connecting")
	return eng.Sessions()[n-1]
}

func TestOutgoingTransferLifecycle(t *testing.T) {
	// Полный сценарий исходящей передачи без шифрования: connect →
	// резолвинг и хеширование → движок → 180 → установление → прогресс →
	// штатное завершение с полностью переданными данными
	dir := t.TempDir()
	path := writeFile(t, dir, "report.pdf", "q3 numbers")
	resolver := newStubResolver(testRoute())
	tr, eng, rec := newTestTransfer(t, resolver, nil)

	require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
	require.Equal(t, "initialized", tr.State().String())
	assert.Equal(t, DirectionOutgoing, tr.Direction())
	assert.Equal(t, TypePush, tr.Type())

	require.NoError(t, tr.Connect())
	es := waitConnecting(t, tr, eng, 1)

	req := es.Request()
	assert.Equal(t, "alice@example.com", req.Account)
	assert.Equal(t, "sip:bob@example.com", req.Target)
	require.Len(t, req.Routes, 1)
	assert.Equal(t, "10.0.0.2", req.Routes[0].Host)

	require.Len(t, req.Streams, 1)
	desc := req.Streams[0]
	assert.Equal(t, engine.StreamFileTransfer, desc.Kind)
	assert.Equal(t, path, desc.Options["path"])
	assert.Equal(t, "report.pdf", desc.Options["name"])
	assert.Equal(t, int64(10), desc.Options["size"])
	assert.Equal(t, "application/pdf", desc.Options["content_type"])
	assert.Equal(t, "push", desc.Options["transfer_type"])
	hash, _ := desc.Options["hash"].(string)
	assert.True(t, strings.HasPrefix(hash, "sha256:"), "дескриптор несет хеш содержимого")

	tr.HandleEvent(engine.ProgressEvent{EventBase: engine.EventBase{Session: es}, Code: 180})
	assert.Equal(t, "connecting/ringing", tr.State().String())

	tr.HandleEvent(engine.WillStartEvent{EventBase: engine.EventBase{Session: es}})
	assert.Equal(t, "connecting/starting", tr.State().String())

	tr.HandleEvent(engine.StartedEvent{EventBase: engine.EventBase{Session: es}})
	require.Equal(t, "connected", tr.State().String())

	tr.HandleEvent(engine.TransferProgressEvent{EventBase: engine.EventBase{Session: es}, Bytes: 4, Total: 10})
	bytes, total := tr.Progress()
	assert.Equal(t, uint64(4), bytes)
	assert.Equal(t, uint64(10), total)

	tr.HandleEvent(engine.TransferProgressEvent{EventBase: engine.EventBase{Session: es}, Bytes: 10, Total: 10})
	tr.HandleEvent(engine.EndedEvent{EventBase: engine.EventBase{Session: es}, Originator: engine.OriginatorRemote})
	require.Equal(t, "ended", tr.State().String())
	require.False(t, tr.Failed())

	rc := tr.Record()
	assert.Equal(t, ReasonCompleted, rc.Reason)
	assert.Equal(t, uint64(10), rc.Bytes)
	assert.Equal(t, DirectionOutgoing, rc.Direction)
	assert.False(t, rc.EndTime.IsZero())

	var sawStart, sawProgress, sawEnd bool
	for _, n := range rec.list() {
		switch e := n.(type) {
		case DidStartNotification:
			sawStart = true
		case ProgressNotification:
			sawProgress = true
		case DidEndNotification:
			sawEnd = true
			assert.False(t, e.Failed)
			assert.Equal(t, ReasonCompleted, e.Reason)
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawProgress)
	assert.True(t, sawEnd)
}

func TestRetryAfterFailureKeepsHash(t *testing.T) {
	// Повторная попытка из ended при неизменном файле не пересчитывает
	// хеш и не возвращает ошибку
	dir := t.TempDir()
	path := writeFile(t, dir, "data.bin", "payload-1")
	resolver := newStubResolver(testRoute())
	tr, eng, rec := newTestTransfer(t, resolver, nil)

	require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
	require.NoError(t, tr.Connect())
	es := waitConnecting(t, tr, eng, 1)
	firstHash := es.Request().Streams[0].Options["hash"].(string)

	tr.HandleEvent(engine.FailedEvent{
		EventBase:  engine.EventBase{Session: es},
		Code:       408,
		Reason:     "Request Timeout",
		Originator: engine.OriginatorRemote,
	})
	require.Equal(t, "ended", tr.State().String())
	require.True(t, tr.Failed())

	require.NoError(t, tr.Connect())
	es2 := waitConnecting(t, tr, eng, 2)
	assert.Equal(t, firstHash, es2.Request().Streams[0].Options["hash"],
		"хеш неизменного файла переживает попытки")

	reinits := 0
	for _, n := range rec.list() {
		if e, ok := n.(NewOutgoingNotification); ok && e.Reinitialized {
			reinits++
		}
	}
	assert.Equal(t, 1, reinits)
}

func TestRetryRecomputesHashAfterFileChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "data.bin", "payload-1")
	resolver := newStubResolver(testRoute())
	tr, eng, _ := newTestTransfer(t, resolver, nil)

	require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
	require.NoError(t, tr.Connect())
	es := waitConnecting(t, tr, eng, 1)
	firstHash := es.Request().Streams[0].Options["hash"].(string)

	tr.HandleEvent(engine.FailedEvent{
		EventBase:  engine.EventBase{Session: es},
		Code:       480,
		Originator: engine.OriginatorRemote,
	})
	require.Equal(t, "ended", tr.State().String())

	// Файл меняется между попытками; mtime сдвигается явно, чтобы не
	// зависеть от гранулярности файловой системы
	require.NoError(t, os.WriteFile(path, []byte("payload-two"), 0o600))
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	require.NoError(t, tr.Connect())
	es2 := waitConnecting(t, tr, eng, 2)
	secondHash := es2.Request().Streams[0].Options["hash"].(string)
	assert.NotEqual(t, firstHash, secondHash)
	assert.Equal(t, int64(len("payload-two")), es2.Request().Streams[0].Options["size"])
}

func TestOutgoingTransferEncryptsFile(t *testing.T) {
	// С непустой связкой ключей исходящий файл шифруется до установления:
	// движку уходит временная копия с именем *.asc и хешем исходного
	// содержимого
	dir := t.TempDir()
	path := writeFile(t, dir, "secret.bin", "top secret payload")
	resolver := newStubResolver(testRoute())
	tr, eng, rec := newTestTransfer(t, resolver, testKeyRing(t))

	require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
	require.NoError(t, tr.Connect())
	es := waitConnecting(t, tr, eng, 1)

	desc := es.Request().Streams[0]
	assert.Equal(t, "secret.bin.asc", desc.Options["name"])
	encPath := desc.Options["path"].(string)
	assert.NotEqual(t, path, encPath)
	assert.True(t, IsEncryptedPath(encPath))

	plainHash, err := hashFile(path)
	require.NoError(t, err)
	assert.Equal(t, plainHash, desc.Options["hash"], "хеш считается от исходного содержимого")

	armored, err := os.ReadFile(encPath)
	require.NoError(t, err)
	assert.Contains(t, string(armored), "BEGIN PGP MESSAGE")
	assert.Greater(t, desc.Options["size"].(int64), int64(0))
	assert.NotEqual(t, int64(len("top secret payload")), desc.Options["size"])

	sts := rec.states()
	assert.Contains(t, sts, "encrypting")
	assert.Contains(t, sts, "encrypted")

	// Завершение удаляет временную зашифрованную копию
	require.NoError(t, tr.End())
	tr.HandleEvent(engine.EndedEvent{EventBase: engine.EventBase{Session: es}, Originator: engine.OriginatorLocal})
	require.Equal(t, "ended", tr.State().String())
	_, statErr := os.Stat(encPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEncryptionSkippedForOversizeAndPreEncrypted(t *testing.T) {
	resolver := newStubResolver(testRoute())

	t.Run("файл больше потолка уходит как есть", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "huge.bin", "0123456789")
		eng := enginetest.New()
		rec := &recorder{}
		cfg := DefaultConfig()
		cfg.Engine = eng
		cfg.Resolver = resolver
		cfg.Notify = rec.notify
		cfg.KeyRing = testKeyRing(t)
		cfg.PGPMaxSize = 5
		tr, err := New(cfg)
		require.NoError(t, err)

		require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
		require.NoError(t, tr.Connect())
		es := waitConnecting(t, tr, eng, 1)
		assert.Equal(t, "huge.bin", es.Request().Streams[0].Options["name"])
		assert.NotContains(t, rec.states(), "encrypting")
	})

	t.Run("уже зашифрованный файл не шифруется повторно", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "ready.asc", "-----BEGIN PGP MESSAGE-----")
		tr, eng, rec := newTestTransfer(t, newStubResolver(testRoute()), testKeyRing(t))

		require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
		require.NoError(t, tr.Connect())
		es := waitConnecting(t, tr, eng, 1)
		assert.Equal(t, "ready.asc", es.Request().Streams[0].Options["name"])
		assert.Equal(t, path, es.Request().Streams[0].Options["path"])
		assert.NotContains(t, rec.states(), "encrypting")
	})
}

func TestIncomingTransferAcceptAndDecrypt(t *testing.T) {
	// Принятый целиком файл *.asc расшифровывается перед завершением:
	// decrypting → ended, рядом с принятым файлом появляется исходный
	dir := t.TempDir()
	kr := testKeyRing(t)
	plainBody := "annual report body"
	src := writeFile(t, dir, "plain.tmp", plainBody)
	encPath := filepath.Join(dir, "report.pdf.asc")
	require.NoError(t, kr.EncryptFile(src, encPath))
	info, err := os.Stat(encPath)
	require.NoError(t, err)

	resolver := newStubResolver(testRoute())
	tr, eng, rec := newTestTransfer(t, resolver, kr)
	es := eng.NewIncoming("sip:bob@example.com", engine.StreamFileTransfer)

	require.NoError(t, tr.InitIncoming(IncomingParams{
		EngineSession: es,
		Account:       testAccount(),
		Contact:       testContact(),
		URI:           "sip:bob@example.com",
		Type:          TypePush,
		Path:          encPath,
		Name:          "report.pdf.asc",
		Size:          info.Size(),
		ContentType:   "application/pdf",
	}))
	require.Equal(t, "connecting", tr.State().String())
	assert.Equal(t, DirectionIncoming, tr.Direction())

	require.NoError(t, tr.Accept())
	assert.Equal(t, 1, es.CallCount("accept"))

	tr.HandleEvent(engine.WillStartEvent{EventBase: engine.EventBase{Session: es}})
	tr.HandleEvent(engine.StartedEvent{EventBase: engine.EventBase{Session: es}})
	require.Equal(t, "connected", tr.State().String())

	size := uint64(info.Size())
	tr.HandleEvent(engine.TransferProgressEvent{EventBase: engine.EventBase{Session: es}, Bytes: size, Total: size})
	tr.HandleEvent(engine.EndedEvent{EventBase: engine.EventBase{Session: es}, Originator: engine.OriginatorRemote})

	require.Eventually(t, func() bool {
		return tr.State().String() == "ended"
	}, waitTimeout, 5*time.Millisecond, "decryption must finish")
	require.False(t, tr.Failed())
	assert.Equal(t, ReasonCompleted, tr.Record().Reason)
	assert.Contains(t, rec.states(), "decrypting")

	decrypted := filepath.Join(dir, "report.pdf")
	assert.Equal(t, decrypted, tr.DecryptedPath())
	got, err := os.ReadFile(decrypted)
	require.NoError(t, err)
	assert.Equal(t, plainBody, string(got))
}

func TestIncomingPlainFileSkipsDecryption(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.txt", "plain notes")
	resolver := newStubResolver(testRoute())
	tr, eng, rec := newTestTransfer(t, resolver, testKeyRing(t))
	es := eng.NewIncoming("sip:bob@example.com", engine.StreamFileTransfer)

	require.NoError(t, tr.InitIncoming(IncomingParams{
		EngineSession: es,
		Account:       testAccount(),
		Contact:       testContact(),
		URI:           "sip:bob@example.com",
		Path:          path,
		Name:          "notes.txt",
		Size:          int64(len("plain notes")),
	}))
	require.NoError(t, tr.Accept())
	tr.HandleEvent(engine.WillStartEvent{EventBase: engine.EventBase{Session: es}})
	tr.HandleEvent(engine.StartedEvent{EventBase: engine.EventBase{Session: es}})

	size := uint64(len("plain notes"))
	tr.HandleEvent(engine.TransferProgressEvent{EventBase: engine.EventBase{Session: es}, Bytes: size, Total: size})
	tr.HandleEvent(engine.EndedEvent{EventBase: engine.EventBase{Session: es}, Originator: engine.OriginatorRemote})

	require.Equal(t, "ended", tr.State().String())
	assert.False(t, tr.Failed())
	assert.Empty(t, tr.DecryptedPath())
	assert.NotContains(t, rec.states(), "decrypting")
}

func TestIncomingTransferReject(t *testing.T) {
	dir := t.TempDir()
	resolver := newStubResolver(testRoute())
	tr, eng, _ := newTestTransfer(t, resolver, nil)
	es := eng.NewIncoming("sip:bob@example.com", engine.StreamFileTransfer)

	require.NoError(t, tr.InitIncoming(IncomingParams{
		EngineSession: es,
		Account:       testAccount(),
		Contact:       testContact(),
		URI:           "sip:bob@example.com",
		Path:          filepath.Join(dir, "wire.bin"),
		Name:          "wire.bin",
		Size:          100,
	}))
	require.NoError(t, tr.Reject(486))
	assert.Equal(t, 1, es.CallCount("reject:486"))

	tr.HandleEvent(engine.FailedEvent{
		EventBase:  engine.EventBase{Session: es},
		Code:       487,
		Originator: engine.OriginatorLocal,
	})
	require.Equal(t, "ended", tr.State().String())
	assert.True(t, tr.Failed())
	assert.Equal(t, ReasonCancelled, tr.Record().Reason)
}

func TestTransferResolutionFailure(t *testing.T) {
	t.Run("ошибка резолвера", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "data.bin", "x")
		resolver := newStubResolver()
		resolver.err = errors.New("nxdomain")
		tr, eng, _ := newTestTransfer(t, resolver, nil)

		require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
		require.NoError(t, tr.Connect())
		require.Eventually(t, func() bool {
			return tr.State().String() == "ended"
		}, waitTimeout, 5*time.Millisecond)
		assert.True(t, tr.Failed())
		assert.Equal(t, ReasonDNSLookupFailed, tr.Record().Reason)
		assert.Empty(t, eng.Sessions())
	})

	t.Run("пустой список маршрутов", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "data.bin", "x")
		tr, eng, _ := newTestTransfer(t, newStubResolver(), nil)

		require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
		require.NoError(t, tr.Connect())
		require.Eventually(t, func() bool {
			return tr.State().String() == "ended"
		}, waitTimeout, 5*time.Millisecond)
		assert.True(t, tr.Failed())
		assert.Equal(t, ReasonDNSLookupFailed, tr.Record().Reason)
		assert.Empty(t, eng.Sessions())
	})
}

func TestTransferCancelDuringLookup(t *testing.T) {
	// Завершение во время резолвинга: ended достигается немедленно,
	// запоздавший результат резолвинга отбрасывается
	dir := t.TempDir()
	path := writeFile(t, dir, "data.bin", "payload")
	resolver := newStubResolver(testRoute())
	resolver.block = make(chan struct{})
	tr, eng, _ := newTestTransfer(t, resolver, nil)

	require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
	require.NoError(t, tr.Connect())
	require.Equal(t, "connecting/dns_lookup", tr.State().String())

	require.NoError(t, tr.End())
	require.Equal(t, "ended", tr.State().String())
	assert.False(t, tr.Failed())
	assert.Equal(t, ReasonCancelled, tr.Record().Reason)

	close(resolver.block)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, eng.Sessions(), "stale lookup must not create engine session")
	assert.Equal(t, "ended", tr.State().String())
}

func TestTransferEngineRefusal(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "data.bin", "payload")
	resolver := newStubResolver(testRoute())
	tr, eng, _ := newTestTransfer(t, resolver, nil)
	eng.CreateSessionErr = errors.New("no transport")

	require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
	require.NoError(t, tr.Connect())
	require.Eventually(t, func() bool {
		return tr.State().String() == "ended"
	}, waitTimeout, 5*time.Millisecond)
	assert.True(t, tr.Failed())
	assert.Equal(t, ReasonConnectionFailed, tr.Record().Reason)
}

func TestTransferRemoteInterruption(t *testing.T) {
	// Обрыв до полной передачи данных — неудача с фиксированной причиной
	dir := t.TempDir()
	path := writeFile(t, dir, "data.bin", "0123456789")
	resolver := newStubResolver(testRoute())
	tr, eng, _ := newTestTransfer(t, resolver, nil)

	require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
	require.NoError(t, tr.Connect())
	es := waitConnecting(t, tr, eng, 1)
	tr.HandleEvent(engine.WillStartEvent{EventBase: engine.EventBase{Session: es}})
	tr.HandleEvent(engine.StartedEvent{EventBase: engine.EventBase{Session: es}})

	tr.HandleEvent(engine.TransferProgressEvent{EventBase: engine.EventBase{Session: es}, Bytes: 3, Total: 10})
	tr.HandleEvent(engine.EndedEvent{EventBase: engine.EventBase{Session: es}, Originator: engine.OriginatorRemote})

	require.Equal(t, "ended", tr.State().String())
	assert.True(t, tr.Failed())
	assert.Equal(t, ReasonInterrupted, tr.Record().Reason)
}

func TestTransferGuards(t *testing.T) {
	resolver := newStubResolver(testRoute())

	t.Run("операции до инициализации", func(t *testing.T) {
		tr, _, _ := newTestTransfer(t, resolver, nil)
		var terr *Error
		require.ErrorAs(t, tr.Connect(), &terr)
		assert.Equal(t, ErrorCodeInvalidState, terr.Code)
		require.ErrorAs(t, tr.Accept(), &terr)
		assert.Equal(t, ErrorCodeInvalidState, terr.Code)
		require.ErrorAs(t, tr.End(), &terr)
		assert.Equal(t, ErrorCodeInvalidState, terr.Code)
	})

	t.Run("connect для входящей передачи", func(t *testing.T) {
		dir := t.TempDir()
		tr, eng, _ := newTestTransfer(t, resolver, nil)
		es := eng.NewIncoming("sip:bob@example.com", engine.StreamFileTransfer)
		require.NoError(t, tr.InitIncoming(IncomingParams{
			EngineSession: es,
			Account:       testAccount(),
			Contact:       testContact(),
			URI:           "sip:bob@example.com",
			Path:          filepath.Join(dir, "in.bin"),
			Name:          "in.bin",
			Size:          1,
		}))
		var terr *Error
		require.ErrorAs(t, tr.Connect(), &terr)
		assert.Equal(t, ErrorCodeInvalidDirection, terr.Code)
	})

	t.Run("accept и reject для исходящей", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "data.bin", "x")
		tr, _, _ := newTestTransfer(t, resolver, nil)
		require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
		var terr *Error
		require.ErrorAs(t, tr.Accept(), &terr)
		assert.Equal(t, ErrorCodeInvalidDirection, terr.Code)
		require.ErrorAs(t, tr.Reject(486), &terr)
		assert.Equal(t, ErrorCodeInvalidDirection, terr.Code)
	})

	t.Run("инициализация несуществующим файлом", func(t *testing.T) {
		dir := t.TempDir()
		tr, _, _ := newTestTransfer(t, resolver, nil)
		err := tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com",
			filepath.Join(dir, "missing.bin"))
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, ErrorCodeFileAccess, terr.Code)
		assert.Equal(t, "None", tr.State().String())
	})

	t.Run("повторный end безвреден", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "data.bin", "x")
		tr, _, _ := newTestTransfer(t, resolver, nil)
		require.NoError(t, tr.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com", path))
		require.NoError(t, tr.End())
		require.Equal(t, "ended", tr.State().String())
		require.NoError(t, tr.End())
	})
}

func TestTransferConfigValidation(t *testing.T) {
	eng := enginetest.New()

	cfg := DefaultConfig()
	cfg.Resolver = newStubResolver()
	_, err := New(cfg)
	require.Error(t, err, "без движка конфигурация невалидна")

	cfg = DefaultConfig()
	cfg.Engine = eng
	_, err = New(cfg)
	require.Error(t, err, "без резолвера конфигурация невалидна")

	cfg = DefaultConfig()
	cfg.Engine = eng
	cfg.Resolver = newStubResolver()
	tr, err := New(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, tr.ID())
	assert.Equal(t, "None", tr.State().String())
}
