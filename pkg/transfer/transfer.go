// Package transfer реализует конечный автомат передачи файла: параллельный
// сессионному, но проще — без конференций и удержания, зато с необязательной
// фазой шифрования PGP, которая предваряет установление исходящей передачи,
// и фазой расшифровки после приема входящей.
//
// Асинхронная работа (хеширование, шифрование, резолвинг, расшифровка)
// выполняется в горутинах; ее результаты отбрасываются проверкой поколения,
// если передача была завершена или переинициализирована.
package transfer

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/call_core/pkg/contacts"
	"github.com/arzzra/call_core/pkg/engine"
	"github.com/arzzra/call_core/pkg/session"
	"github.com/arzzra/call_core/pkg/state"
)

// Direction — направление передачи.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// TransferType — кто инициировал движение данных: push отправляет наш
// файл удаленной стороне, pull запрашивает файл у нее.
type TransferType string

const (
	TypePush TransferType = "push"
	TypePull TransferType = "pull"
)

// Причины завершения передачи.
const (
	ReasonDNSLookupFailed  = "Domain not found in DNS"
	ReasonConnectionFailed = "Connection failed"
	ReasonCancelled        = "Transfer cancelled"
	ReasonInterrupted      = "Transfer interrupted"
	ReasonCompleted        = "Transfer completed"
	ReasonEncryptionFailed = "Encryption failed"
	ReasonDecryptionFailed = "Decryption failed"
)

// transferTransitions — граф жизненного цикла передачи.
var transferTransitions = []state.Transition{
	{From: "None", To: "initialized"},
	{From: "ended", To: "initialized"},

	// Шифрование исходящего файла предваряет установление
	{From: "initialized", To: "encrypting"},
	{From: "encrypting", To: "encrypted"},

	// Исходящая передача
	{From: "initialized", To: "connecting/dns_lookup"},
	{From: "encrypted", To: "connecting/dns_lookup"},
	{From: "connecting/dns_lookup", To: "connecting"},

	// Входящая передача: сессия движка уже существует
	{From: "initialized", To: "connecting"},

	{From: "connecting", To: "connecting/ringing"},
	{From: "connecting", To: "connecting/starting"},
	{From: "connecting/ringing", To: "connecting/starting"},
	{From: "connecting/*", To: "connected"},

	// Расшифровка принятого файла
	{From: "connected", To: "decrypting"},

	// Завершение
	{From: "initialized", To: "ending"},
	{From: "encrypting", To: "ending"},
	{From: "encrypted", To: "ending"},
	{From: "connecting/*", To: "ending"},
	{From: "connected", To: "ending"},
	{From: "decrypting", To: "ending"},
	{From: "ending", To: "ended"},

	// Обрыв без локального end
	{From: "encrypting", To: "ended"},
	{From: "encrypted", To: "ended"},
	{From: "connecting/*", To: "ended"},
	{From: "connected", To: "ended"},
	{From: "decrypting", To: "ended"},
}

// Config — зависимости и параметры передачи.
type Config struct {
	// Engine — коммуникационный движок. Обязателен.
	Engine engine.Engine
	// Resolver резолвит цель исходящей передачи в маршруты. Обязателен.
	Resolver engine.RouteResolver
	// Notify вызывается на каждое уведомление передачи вне ее мьютекса,
	// в порядке возникновения. Может быть nil.
	Notify func(Notification)
	// Logger — логгер компонента. По умолчанию slog.Default.
	Logger *slog.Logger
	// ResolveTimeout ограничивает время резолвинга маршрутов.
	ResolveTimeout time.Duration
	// KeyRing — ключи PGP. Пустая связка отключает шифрование исходящих
	// и расшифровку входящих файлов.
	KeyRing *KeyRing
	// PGPMaxSize — потолок размера файла для шифрования исходящих:
	// большие файлы отправляются как есть.
	PGPMaxSize int64
}

// DefaultConfig возвращает конфигурацию с параметрами по умолчанию.
// Engine и Resolver заполняет вызывающий.
func DefaultConfig() Config {
	return Config{
		ResolveTimeout: 15 * time.Second,
		PGPMaxSize:     100 << 20,
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	if c.Engine == nil {
		return errors.New("не задан коммуникационный движок")
	}
	if c.Resolver == nil {
		return errors.New("не задан резолвер маршрутов")
	}
	if c.ResolveTimeout <= 0 {
		return errors.New("некорректный таймаут резолвинга")
	}
	if c.PGPMaxSize <= 0 {
		return errors.New("некорректный потолок размера PGP")
	}
	return nil
}

// Transfer — конечный автомат одной передачи файла.
//
// Объект переживает отдельные попытки: из ended повторный Connect
// выполняет новую попытку той же передачи, обновив метаданные файла.
type Transfer struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	id string

	account   session.Account
	contact   contacts.Contact
	remoteURI string
	direction Direction
	ttype     TransferType

	machine    *state.Machine
	generation uint64

	selector      *FileSelector
	encryptedPath string
	encryptedSize int64
	downloadPath  string
	decryptedPath string

	engineSession engine.Session
	routes        []engine.Route

	startTime time.Time
	endTime   time.Time
	endReason string
	endFailed bool
	bytes     uint64
	total     uint64

	pending []Notification
}

// New создает передачу в состоянии None.
func New(cfg Config) (*Transfer, error) {
	def := DefaultConfig()
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if cfg.PGPMaxSize <= 0 {
		cfg.PGPMaxSize = def.PGPMaxSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "конфигурация передачи")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := uuid.NewString()
	return &Transfer{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("component", "transfer"), slog.String("transfer_id", id)),
		id:      id,
		machine: state.NewMachine(state.None, transferTransitions),
	}, nil
}

// ID возвращает стабильный идентификатор объекта передачи.
func (t *Transfer) ID() string { return t.id }

// State возвращает текущее состояние конечного автомата.
func (t *Transfer) State() state.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.Current()
}

// Direction возвращает направление передачи.
func (t *Transfer) Direction() Direction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.direction
}

// Type возвращает тип передачи (push или pull).
func (t *Transfer) Type() TransferType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ttype
}

// Contact возвращает удаленную сторону передачи.
func (t *Transfer) Contact() contacts.Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contact
}

// Account возвращает аккаунт передачи.
func (t *Transfer) Account() session.Account {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.account
}

// Selector возвращает копию селектора файла или nil до инициализации.
func (t *Transfer) Selector() *FileSelector {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.selector == nil {
		return nil
	}
	sel := *t.selector
	return &sel
}

// Progress возвращает переданные и полные байты.
func (t *Transfer) Progress() (bytes, total uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes, t.total
}

// EngineSession возвращает текущую сессию движка или nil.
func (t *Transfer) EngineSession() engine.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engineSession
}

// DecryptedPath возвращает путь расшифрованного принятого файла, когда
// расшифровка состоялась.
func (t *Transfer) DecryptedPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decryptedPath
}

// Failed сообщает, завершилась ли последняя попытка ошибкой.
func (t *Transfer) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endFailed
}

// Record возвращает запись для истории передач. Осмысленна после ended.
func (t *Transfer) Record() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := Record{
		ID:        t.id,
		Direction: t.direction,
		Type:      t.ttype,
		Remote:    t.remoteURI,
		StartTime: t.startTime,
		EndTime:   t.endTime,
		Bytes:     t.bytes,
		Reason:    t.endReason,
		Failed:    t.endFailed,
	}
	if t.selector != nil {
		r.Path = t.selector.Path
		r.Size = t.selector.Size
		r.Hash = t.selector.Hash
		r.ContentType = t.selector.ContentType
	}
	return r
}

// --- Инициализация ---

// InitOutgoing инициализирует исходящую передачу файла path контакту.
// Допустима только из состояний None, initialized и ended.
func (t *Transfer) InitOutgoing(account session.Account, contact contacts.Contact, uri, path string) error {
	t.mu.Lock()
	cur := t.machine.Current()
	if !cur.In("None", "initialized", "ended") {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidState, t.id, "инициализация из состояния "+cur.String())
	}
	reinit := !cur.IsNone()
	sel, err := NewFileSelector(path)
	if err != nil {
		t.mu.Unlock()
		return NewError(ErrorCodeFileAccess, t.id, "файл недоступен").WithWrapped(err)
	}
	t.resetLocked()
	t.account = account
	t.contact = contact
	t.remoteURI = uri
	t.direction = DirectionOutgoing
	t.ttype = TypePush
	t.selector = sel
	t.total = uint64(sel.Size)
	if err := t.setStateLocked(state.Parse("initialized")); err != nil {
		t.mu.Unlock()
		return err
	}
	t.emitLocked(NewOutgoingNotification{NotificationBase{t}, reinit})
	t.mu.Unlock()
	t.flush()
	return nil
}

// IncomingParams — параметры входящей передачи.
type IncomingParams struct {
	// EngineSession — уже существующая сессия движка. Обязательна.
	EngineSession engine.Session
	Account       session.Account
	Contact       contacts.Contact
	URI           string
	// Type — pull, если передачу запросили мы, иначе push.
	Type TransferType
	// Path — локальный путь, куда движок пишет принимаемый файл.
	Path string
	// Name/Size/Hash/ContentType — метаданные предложенного файла.
	Name        string
	Size        int64
	Hash        string
	ContentType string
}

// InitIncoming инициализирует передачу входящим запросом. Сессия движка
// уже существует, поэтому автомат сразу входит в connecting.
func (t *Transfer) InitIncoming(params IncomingParams) error {
	if params.EngineSession == nil {
		return NewError(ErrorCodeEngineFailure, t.id, "входящая передача без сессии движка")
	}
	t.mu.Lock()
	cur := t.machine.Current()
	if !cur.In("None", "initialized", "ended") {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidState, t.id, "инициализация из состояния "+cur.String())
	}
	t.resetLocked()
	t.account = params.Account
	t.contact = params.Contact
	t.remoteURI = params.URI
	t.direction = DirectionIncoming
	t.ttype = params.Type
	if t.ttype == "" {
		t.ttype = TypePush
	}
	t.engineSession = params.EngineSession
	t.downloadPath = params.Path
	t.selector = &FileSelector{
		Path:        params.Path,
		Name:        params.Name,
		Size:        params.Size,
		Hash:        params.Hash,
		ContentType: params.ContentType,
	}
	t.total = uint64(params.Size)
	if err := t.setStateLocked(state.Parse("initialized")); err != nil {
		t.mu.Unlock()
		return err
	}
	t.emitLocked(NewIncomingNotification{NotificationBase{t}})
	if err := t.setStateLocked(state.Parse("connecting")); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	t.flush()
	return nil
}

// resetLocked возвращает изменяемое состояние к значениям нового объекта.
func (t *Transfer) resetLocked() {
	t.generation++
	t.removeEncryptedLocked()
	t.account = session.Account{}
	t.contact = contacts.Contact{}
	t.remoteURI = ""
	t.direction = ""
	t.ttype = ""
	t.selector = nil
	t.downloadPath = ""
	t.decryptedPath = ""
	t.engineSession = nil
	t.routes = nil
	t.startTime = time.Time{}
	t.endTime = time.Time{}
	t.endReason = ""
	t.endFailed = false
	t.bytes = 0
	t.total = 0
}

// --- Установление ---

// Connect начинает попытку исходящей передачи: при включенном PGP файл
// сперва шифруется, затем асинхронный резолвинг маршрутов и создание
// сессии движка. Вызов во время шифрования — нарушение контракта:
// завершение шифрования само продолжает установление.
//
// Из ended Connect выполняет повторную попытку: селектор файла
// обновляется (хеш пересчитывается, только если файл изменился), автомат
// возвращается в initialized и продолжает обычным путем.
func (t *Transfer) Connect() error {
	t.mu.Lock()
	cur := t.machine.Current()
	if cur.IsNone() {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidState, t.id, "connect до инициализации")
	}
	if t.direction != DirectionOutgoing {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidDirection, t.id, "connect для входящей передачи")
	}
	if cur.Match(state.Parse("encrypting")) {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidState, t.id, "connect во время шифрования файла")
	}
	if cur.Match(state.Parse("ended")) {
		if _, err := t.selector.Refresh(); err != nil {
			t.mu.Unlock()
			return NewError(ErrorCodeFileAccess, t.id, "файл недоступен").WithWrapped(err)
		}
		t.generation++
		t.removeEncryptedLocked()
		t.engineSession = nil
		t.routes = nil
		t.startTime = time.Time{}
		t.endTime = time.Time{}
		t.endReason = ""
		t.endFailed = false
		t.bytes = 0
		t.total = uint64(t.selector.Size)
		if err := t.setStateLocked(state.Parse("initialized")); err != nil {
			t.mu.Unlock()
			return err
		}
		t.emitLocked(NewOutgoingNotification{NotificationBase{t}, true})
		cur = t.machine.Current()
	}
	if !cur.In("initialized", "encrypted") {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidState, t.id, "connect из состояния "+cur.String())
	}

	if cur.In("initialized") && t.needsEncryptionLocked() {
		if err := t.setStateLocked(state.Parse("encrypting")); err != nil {
			t.mu.Unlock()
			return err
		}
		gen := t.generation
		src := t.selector.Path
		hash := t.selector.Hash
		name := t.selector.Name
		t.mu.Unlock()
		t.flush()

		go t.encryptFile(gen, src, name, hash)
		return nil
	}

	if err := t.setStateLocked(state.Parse("connecting/dns_lookup")); err != nil {
		t.mu.Unlock()
		return err
	}
	gen := t.generation
	target := t.remoteURI
	proxy := t.account.OutboundProxy
	src := t.selector.Path
	hash := t.selector.Hash
	t.mu.Unlock()
	t.flush()

	go t.prepareAndResolve(gen, target, proxy, src, hash)
	return nil
}

// needsEncryptionLocked — ворота PGP: шифруются исходящие файлы при
// непустой связке ключей, не зашифрованные заранее и не превышающие
// потолок размера.
func (t *Transfer) needsEncryptionLocked() bool {
	return !t.cfg.KeyRing.Empty() &&
		!IsEncryptedPath(t.selector.Path) &&
		t.selector.Size <= t.cfg.PGPMaxSize
}

// encryptFile — асинхронное шифрование исходящего файла во временную
// копию. Завершение возвращается в автомат и само продолжает Connect.
func (t *Transfer) encryptFile(gen uint64, src, name, hash string) {
	if hash == "" {
		h, err := hashFile(src)
		if err != nil {
			t.completeEncryption(gen, "", 0, err)
			return
		}
		hash = h
	}
	tmp, err := os.CreateTemp("", "transfer-*"+encryptedExt)
	if err != nil {
		t.completeEncryption(gen, "", 0, err)
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	if err := t.cfg.KeyRing.EncryptFile(src, tmpPath); err != nil {
		os.Remove(tmpPath)
		t.completeEncryption(gen, "", 0, err)
		return
	}
	info, err := os.Stat(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		t.completeEncryption(gen, "", 0, err)
		return
	}
	t.storeHash(gen, hash)
	t.completeEncryption(gen, tmpPath, info.Size(), nil)
}

// completeEncryption — завершение асинхронного шифрования. Устаревшие
// результаты (передача завершена или переинициализирована) отбрасываются.
func (t *Transfer) completeEncryption(gen uint64, path string, size int64, err error) {
	t.mu.Lock()
	if gen != t.generation || !t.machine.Current().Match(state.Parse("encrypting")) {
		t.mu.Unlock()
		if path != "" {
			os.Remove(path)
		}
		return
	}
	if err != nil {
		t.log.Error("шифрование файла не удалось", slog.String("error", err.Error()))
		t.terminateLocked(ReasonEncryptionFailed, true)
		t.mu.Unlock()
		t.flush()
		return
	}
	t.encryptedPath = path
	t.encryptedSize = size
	if err := t.setStateLocked(state.Parse("encrypted")); err != nil {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.flush()

	if err := t.Connect(); err != nil {
		t.log.Error("продолжение установления после шифрования не удалось",
			slog.String("error", err.Error()))
	}
}

// prepareAndResolve — асинхронная подготовка исходящей попытки:
// хеширование файла при необходимости, затем резолвинг маршрутов.
func (t *Transfer) prepareAndResolve(gen uint64, target, proxy, src, hash string) {
	if hash == "" {
		h, err := hashFile(src)
		if err != nil {
			t.completeLookup(gen, nil, err)
			return
		}
		t.storeHash(gen, h)
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ResolveTimeout)
	defer cancel()
	routes, err := t.cfg.Resolver.Resolve(ctx, target, proxy)
	t.completeLookup(gen, routes, err)
}

// storeHash записывает вычисленный хеш в селектор, если передача не
// ушла вперед.
func (t *Transfer) storeHash(gen uint64, hash string) {
	t.mu.Lock()
	if gen == t.generation && t.selector != nil && t.selector.Hash == "" {
		t.selector.Hash = hash
	}
	t.mu.Unlock()
}

// completeLookup — завершение асинхронного резолвинга.
func (t *Transfer) completeLookup(gen uint64, routes []engine.Route, err error) {
	t.mu.Lock()
	if gen != t.generation || !t.machine.Current().Match(state.New("connecting", "dns_lookup")) {
		t.mu.Unlock()
		return
	}
	if err != nil || len(routes) == 0 {
		if err != nil {
			t.log.Error("резолвинг маршрутов не удался", slog.String("error", err.Error()))
		} else {
			t.log.Error("резолвинг маршрутов не вернул ни одного маршрута")
		}
		t.terminateLocked(ReasonDNSLookupFailed, true)
		t.mu.Unlock()
		t.flush()
		return
	}
	t.routes = routes
	req := engine.SessionRequest{
		Account: t.account.ID,
		Target:  t.remoteURI,
		Routes:  routes,
		Streams: []engine.StreamDescriptor{t.streamDescriptorLocked()},
	}
	t.mu.Unlock()
	t.flush()

	es, cerr := t.cfg.Engine.CreateSession(context.Background(), req)
	t.attachEngineSession(gen, es, cerr)
}

// streamDescriptorLocked собирает дескриптор потока передачи для движка.
// Зашифрованный файл подменяет исходный: путь, имя с расширением .asc
// и размер берутся от зашифрованной копии.
func (t *Transfer) streamDescriptorLocked() engine.StreamDescriptor {
	path := t.selector.Path
	name := t.selector.Name
	size := t.selector.Size
	if t.encryptedPath != "" {
		path = t.encryptedPath
		name = t.selector.Name + encryptedExt
		size = t.encryptedSize
	}
	return engine.StreamDescriptor{
		Kind: engine.StreamFileTransfer,
		Options: map[string]interface{}{
			"path":          path,
			"name":          name,
			"size":          size,
			"hash":          t.selector.Hash,
			"content_type":  t.selector.ContentType,
			"transfer_type": string(t.ttype),
		},
	}
}

// attachEngineSession — завершение асинхронного создания сессии движка.
func (t *Transfer) attachEngineSession(gen uint64, es engine.Session, err error) {
	t.mu.Lock()
	if gen != t.generation || !t.machine.Current().Match(state.New("connecting", "dns_lookup")) {
		t.mu.Unlock()
		if es != nil {
			_ = es.End(context.Background())
		}
		return
	}
	if err != nil {
		t.log.Error("движок отказал в создании передачи", slog.String("error", err.Error()))
		t.terminateLocked(ReasonConnectionFailed, true)
		t.mu.Unlock()
		t.flush()
		return
	}
	t.engineSession = es
	_ = t.setStateLocked(state.Parse("connecting"))
	t.mu.Unlock()
	t.flush()
}

// Accept принимает входящую передачу.
func (t *Transfer) Accept() error {
	t.mu.Lock()
	cur := t.machine.Current()
	if cur.IsNone() {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidState, t.id, "accept до инициализации")
	}
	if t.direction != DirectionIncoming {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidDirection, t.id, "accept для исходящей передачи")
	}
	if !cur.In("connecting") {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidState, t.id, "accept из состояния "+cur.String())
	}
	desc := t.streamDescriptorLocked()
	es := t.engineSession
	t.mu.Unlock()

	if err := es.Accept([]engine.StreamDescriptor{desc}); err != nil {
		return NewError(ErrorCodeEngineFailure, t.id, "движок отказал в приеме передачи").WithWrapped(err)
	}
	return nil
}

// Reject отклоняет входящую передачу с SIP-кодом; ноль означает 603.
func (t *Transfer) Reject(code int) error {
	t.mu.Lock()
	cur := t.machine.Current()
	if cur.IsNone() {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidState, t.id, "reject до инициализации")
	}
	if t.direction != DirectionIncoming {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidDirection, t.id, "reject для исходящей передачи")
	}
	if !cur.In("connecting") {
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidState, t.id, "reject из состояния "+cur.String())
	}
	es := t.engineSession
	t.mu.Unlock()

	if code == 0 {
		code = 603
	}
	if err := es.Reject(code); err != nil {
		return NewError(ErrorCodeEngineFailure, t.id, "движок отказал в отклонении передачи").WithWrapped(err)
	}
	return nil
}

// --- Завершение ---

// End завершает передачу. Из ending и ended повторный вызов — no-op.
// Без сессии движка (отмена до установления) терминальное состояние
// достигается немедленно.
func (t *Transfer) End() error {
	t.mu.Lock()
	cur := t.machine.Current()
	switch {
	case cur.In("ending", "ended"):
		t.mu.Unlock()
		return nil
	case cur.IsNone():
		t.mu.Unlock()
		return NewError(ErrorCodeInvalidState, t.id, "end до инициализации")
	}
	if err := t.setStateLocked(state.Parse("ending")); err != nil {
		t.mu.Unlock()
		return err
	}
	es := t.engineSession
	if es == nil {
		t.terminateLocked(ReasonCancelled, false)
		t.mu.Unlock()
		t.flush()
		return nil
	}
	t.mu.Unlock()
	t.flush()

	if err := es.End(context.Background()); err != nil {
		t.log.Error("движок отказал в завершении передачи", slog.String("error", err.Error()))
		t.mu.Lock()
		t.terminateLocked(ReasonCancelled, false)
		t.mu.Unlock()
		t.flush()
	}
	return nil
}

// terminateLocked — единая воронка всех путей в ended.
func (t *Transfer) terminateLocked(reason string, failed bool) {
	cur := t.machine.Current()
	if cur.IsNone() || cur.In("ended") {
		return
	}
	t.generation++
	t.removeEncryptedLocked()
	t.engineSession = nil
	t.routes = nil
	t.endTime = time.Now()
	t.endReason = reason
	t.endFailed = failed
	if err := t.setStateLocked(state.Parse("ended")); err != nil {
		t.log.Error("переход в ended не удался", slog.String("error", err.Error()))
		return
	}
	t.emitLocked(DidEndNotification{NotificationBase{t}, reason, failed})
	t.log.Info("передача завершена",
		slog.String("reason", reason),
		slog.Bool("failed", failed))
}

// removeEncryptedLocked удаляет временную зашифрованную копию файла.
func (t *Transfer) removeEncryptedLocked() {
	if t.encryptedPath == "" {
		return
	}
	if err := os.Remove(t.encryptedPath); err != nil && !os.IsNotExist(err) {
		t.log.Warn("удаление зашифрованной копии не удалось", slog.String("error", err.Error()))
	}
	t.encryptedPath = ""
	t.encryptedSize = 0
}

// --- События движка ---

// HandleEvent обрабатывает событие движка, относящееся к этой передаче.
func (t *Transfer) HandleEvent(ev engine.Event) {
	t.mu.Lock()
	switch e := ev.(type) {
	case engine.ProgressEvent:
		t.onProgressLocked(e)
	case engine.WillStartEvent:
		t.onWillStartLocked()
	case engine.StartedEvent:
		t.onStartedLocked()
	case engine.TransferProgressEvent:
		t.onTransferProgressLocked(e)
	case engine.FailedEvent:
		t.onFailedLocked(e)
	case engine.EndedEvent:
		t.onEndedLocked(e)
	default:
		t.log.Debug("событие движка не относится к передаче файла",
			slog.String("event", eventName(ev)))
	}
	t.mu.Unlock()
	t.flush()
}

func (t *Transfer) onProgressLocked(e engine.ProgressEvent) {
	if !t.machine.Current().In("connecting") || e.Code != 180 {
		return
	}
	_ = t.setStateLocked(state.Parse("connecting/ringing"))
}

func (t *Transfer) onWillStartLocked() {
	cur := t.machine.Current()
	if !cur.In("connecting", "connecting/ringing") {
		return
	}
	_ = t.setStateLocked(state.Parse("connecting/starting"))
}

func (t *Transfer) onStartedLocked() {
	if !t.machine.Current().In("connecting/*") {
		return
	}
	t.startTime = time.Now()
	if err := t.setStateLocked(state.Parse("connected")); err != nil {
		return
	}
	t.emitLocked(DidStartNotification{NotificationBase{t}})
}

func (t *Transfer) onTransferProgressLocked(e engine.TransferProgressEvent) {
	if !t.machine.Current().In("connected") {
		return
	}
	t.bytes = e.Bytes
	if e.Total > 0 {
		t.total = e.Total
	}
	t.emitLocked(ProgressNotification{NotificationBase{t}, t.bytes, t.total})
}

func (t *Transfer) onFailedLocked(e engine.FailedEvent) {
	reason := ReasonCancelled
	switch {
	case e.Code == 487:
	case e.Reason != "":
		reason = e.Reason
	default:
		reason = "Transfer failed"
	}
	t.terminateLocked(reason, true)
}

func (t *Transfer) onEndedLocked(e engine.EndedEvent) {
	cur := t.machine.Current()
	if cur.In("ended") {
		return
	}
	complete := t.total > 0 && t.bytes >= t.total

	// Принятый зашифрованный файл перед завершением расшифровывается
	if complete && t.direction == DirectionIncoming &&
		cur.In("connected") && t.needsDecryptionLocked() {
		t.engineSession = nil
		if err := t.setStateLocked(state.Parse("decrypting")); err == nil {
			gen := t.generation
			src := t.downloadPath
			go t.decryptFile(gen, src)
			return
		}
	}

	switch {
	case complete:
		t.terminateLocked(ReasonCompleted, false)
	case e.Originator == engine.OriginatorLocal:
		t.terminateLocked(ReasonCancelled, true)
	default:
		t.terminateLocked(ReasonInterrupted, true)
	}
}

// needsDecryptionLocked — принятый файл требует расшифровки: имя с
// расширением .asc и непустая связка ключей.
func (t *Transfer) needsDecryptionLocked() bool {
	name := t.downloadPath
	if t.selector != nil && t.selector.Name != "" {
		name = t.selector.Name
	}
	return IsEncryptedPath(name) && !t.cfg.KeyRing.Empty()
}

// decryptFile — асинхронная расшифровка принятого файла.
func (t *Transfer) decryptFile(gen uint64, src string) {
	dst := DecryptedPath(src)
	if dst == src {
		dst = src + ".decrypted"
	}
	err := t.cfg.KeyRing.DecryptFile(src, dst)
	t.completeDecryption(gen, dst, err)
}

// completeDecryption — завершение асинхронной расшифровки.
func (t *Transfer) completeDecryption(gen uint64, dst string, err error) {
	t.mu.Lock()
	if gen != t.generation || !t.machine.Current().Match(state.Parse("decrypting")) {
		t.mu.Unlock()
		return
	}
	if err != nil {
		t.log.Error("расшифровка принятого файла не удалась", slog.String("error", err.Error()))
		t.terminateLocked(ReasonDecryptionFailed, true)
		t.mu.Unlock()
		t.flush()
		return
	}
	t.decryptedPath = dst
	t.terminateLocked(ReasonCompleted, false)
	t.mu.Unlock()
	t.flush()
}

func (t *Transfer) setStateLocked(to state.State) error {
	old, err := t.machine.Set(to)
	if err != nil {
		return err
	}
	if old != to {
		t.log.Debug("переход состояния передачи",
			slog.String("from", old.String()),
			slog.String("to", to.String()))
		t.emitLocked(StateChangedNotification{NotificationBase{t}, old, to})
	}
	return nil
}

// emitLocked ставит уведомление в очередь доставки текущей операции.
func (t *Transfer) emitLocked(n Notification) {
	t.pending = append(t.pending, n)
}

// flush доставляет накопленные уведомления вне мьютекса передачи.
func (t *Transfer) flush() {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()
	if t.cfg.Notify == nil {
		return
	}
	for _, n := range batch {
		t.cfg.Notify(n)
	}
}

// eventName возвращает имя типа события для журнала.
func eventName(ev engine.Event) string {
	switch ev.(type) {
	case engine.IncomingSessionEvent:
		return "incoming_session"
	case engine.HoldEvent:
		return "hold"
	case engine.ProposalEvent:
		return "proposal"
	case engine.ProposalAnsweredEvent:
		return "proposal_answered"
	default:
		return "other"
	}
}
