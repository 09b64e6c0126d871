// Package session реализует конечный автомат одного логического разговора
// с удаленной стороной: жизненный цикл вызова, набор медиапотоков,
// удержание, перевод звонка и клиентские/серверные конференции.
//
// Пакет не реализует сигнализацию и транспорт: вся работа с сетью
// делегируется коммуникационному движку (pkg/engine). Задача сессии —
// отслеживать состояние, корректно секвенировать вызовы движка и
// рассылать уведомления наблюдателям.
//
// Все публичные операции неблокирующие: исход приходит уведомлениями.
// Завершение сессии или повторная инициализация во время незавершенной
// асинхронной работы (резолвинг маршрутов, создание сессии движка)
// обрывает эту работу: ее результат отбрасывается проверкой поколения.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/call_core/pkg/contacts"
	"github.com/arzzra/call_core/pkg/engine"
	"github.com/arzzra/call_core/pkg/state"
)

// Direction — направление сессии.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Причины завершения сессии.
const (
	ReasonDNSLookupFailed = "Domain not found in DNS"
	ReasonCancelled       = "Call cancelled"
	ReasonEndedLocal      = "Call ended by local party"
	ReasonEndedRemote     = "Call ended by remote party"
	ReasonConnectionFailed = "Connection failed"
)

// sessionTransitions — граф жизненного цикла сессии.
var sessionTransitions = []state.Transition{
	{From: "None", To: "initialized"},
	{From: "ended", To: "initialized"},

	// Исходящий вызов
	{From: "initialized", To: "connecting/dns_lookup"},
	{From: "connecting/dns_lookup", To: "connecting/dns_lookup_succeeded"},
	{From: "connecting/dns_lookup_succeeded", To: "connecting"},

	// Входящий вызов: сессия движка уже существует
	{From: "initialized", To: "connecting"},

	// Предварительные ответы
	{From: "connecting", To: "connecting/ringing"},
	{From: "connecting", To: "connecting/early_media"},
	{From: "connecting/ringing", To: "connecting/early_media"},
	{From: "connecting/early_media", To: "connecting/ringing"},

	// Запуск потоков
	{From: "connecting", To: "connecting/starting"},
	{From: "connecting/ringing", To: "connecting/starting"},
	{From: "connecting/early_media", To: "connecting/starting"},
	{From: "connecting/*", To: "connected"},

	// Переговоры по изменению набора потоков
	{From: "connected", To: "connected/sent_proposal"},
	{From: "connected", To: "connected/received_proposal"},
	{From: "connected/sent_proposal", To: "connected"},
	{From: "connected/received_proposal", To: "connected"},

	// Завершение
	{From: "initialized", To: "ending"},
	{From: "connecting/*", To: "ending"},
	{From: "connected/*", To: "ending"},
	{From: "ending", To: "ended"},

	// Обрыв без локального end: отказ резолвинга, сбой или bye удаленной
	// стороны ведут в ended напрямую
	{From: "connecting/*", To: "ended"},
	{From: "connected/*", To: "ended"},

	{From: "ended", To: "deleted"},
}

// Config — зависимости и параметры сессии.
type Config struct {
	// Engine — коммуникационный движок. Обязателен.
	Engine engine.Engine
	// Resolver резолвит цель исходящего вызова в маршруты. Обязателен.
	Resolver engine.RouteResolver
	// Notify вызывается на каждое уведомление сессии вне ее мьютекса,
	// в порядке возникновения. Может быть nil.
	Notify func(Notification)
	// Logger — логгер компонента. По умолчанию slog.Default.
	Logger *slog.Logger
	// ResolveTimeout ограничивает время резолвинга маршрутов.
	ResolveTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию с параметрами по умолчанию.
// Engine и Resolver заполняет вызывающий.
func DefaultConfig() Config {
	return Config{ResolveTimeout: 15 * time.Second}
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
	return nil
}

// Account — идентичность локальной стороны вызова.
type Account struct {
	// ID — AOR аккаунта, например "alice@example.com".
	ID string
	// DisplayName — отображаемое имя локальной стороны.
	DisplayName string
	// OutboundProxy — исходящий прокси; пустая строка означает
	// резолвинг цели напрямую.
	OutboundProxy string
}

// remoteProposal — необработанное встречное предложение потоков.
type remoteProposal struct {
	add    []engine.StreamDescriptor
	remove []engine.StreamDescriptor
}

// Session — конечный автомат одного разговора.
//
// Объект сессии переживает отдельные вызовы: после достижения ended
// (для персистентных сессий) он может быть повторно инициализирован
// для нового вызова тому же контакту. Поколение generation растет при
// каждой переинициализации и завершении, отсекая устаревшие результаты
// асинхронных операций.
type Session struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	id string

	account          Account
	contact          contacts.Contact
	remoteURI        string
	direction        Direction
	remoteInstanceID string
	isFocus          bool
	replaces         engine.Session

	machine    *state.Machine
	generation uint64

	engineSession engine.Session
	routes        []engine.Route

	streams        streamSet
	proposed       streamSet
	proposalRemove []engine.StreamKind
	remoteOffer    *remoteProposal

	localHold       bool
	localHoldActive bool
	remoteHold      bool

	startTime        time.Time
	endTime          time.Time
	endReason        string
	endFailed        bool
	recording        bool
	recordingPath    string
	transferState    engine.CallTransferState
	messagesReceived int
	messagesSent     int
	remoteComposing  bool
	composingTimer   *time.Timer

	clientConference *ClientConference
	serverConference *ServerConference

	deleteWhenDone  bool
	deleteRequested bool
	pendingAutoEnd  bool

	pending []Notification
}

// New создает сессию в состоянии None.
func New(cfg Config) (*Session, error) {
	def := DefaultConfig()
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "конфигурация сессии")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		cfg:      cfg,
		log:      cfg.Logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		id:       id,
		machine:  state.NewMachine(state.None, sessionTransitions),
		streams:  newStreamSet(),
		proposed: newStreamSet(),
	}, nil
}

// ID возвращает стабильный идентификатор объекта сессии.
func (s *Session) ID() string { return s.id }

// State возвращает текущее состояние конечного автомата.
func (s *Session) State() state.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// Direction возвращает направление текущего вызова.
func (s *Session) Direction() Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// Account возвращает аккаунт локальной стороны.
func (s *Session) Account() Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// Contact возвращает контакт удаленной стороны.
func (s *Session) Contact() contacts.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contact
}

// RemoteURI возвращает канонический URI удаленной стороны.
func (s *Session) RemoteURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteURI
}

// EngineSession возвращает текущую сессию движка или nil.
func (s *Session) EngineSession() engine.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineSession
}

// OnHold сообщает, находится ли разговор на удержании любой из сторон.
func (s *Session) OnHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localHold || s.remoteHold
}

// LocalHold сообщает о запрошенном локальном удержании.
func (s *Session) LocalHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localHold
}

// RemoteHold сообщает об удержании удаленной стороной.
func (s *Session) RemoteHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteHold
}

// Persistent сообщает, останется ли сессия после завершения для
// повторного использования.
func (s *Session) Persistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.deleteWhenDone
}

// PendingDeletion сообщает, запрошено ли явное удаление.
func (s *Session) PendingDeletion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteRequested
}

// HasStream сообщает, есть ли поток данного типа в активном или
// предложенном наборе.
func (s *Session) HasStream(kind engine.StreamKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams.has(kind) || s.proposed.has(kind)
}

// StreamKinds возвращает типы активных потоков.
func (s *Session) StreamKinds() []engine.StreamKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := s.streams.kinds()
	sortKinds(kinds)
	return kinds
}

// Info возвращает телеметрический снимок сессии.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotInfo(time.Now())
}

// ClientConference возвращает клиентскую конференцию сессии или nil.
func (s *Session) ClientConference() *ClientConference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientConference
}

// ServerConference возвращает серверную конференцию сессии или nil.
func (s *Session) ServerConference() *ServerConference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverConference
}

// --- Инициализация ---

// InitOutgoing инициализирует сессию для исходящего вызова контакту.
// Допустима только из состояний None, initialized и ended; повторная
// инициализация полностью сбрасывает изменяемое состояние объекта.
func (s *Session) InitOutgoing(account Account, contact contacts.Contact, uri string, descs []engine.StreamDescriptor) error {
	s.mu.Lock()
	reinit, err := s.beginInitLocked(descs)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.account = account
	s.contact = contact
	s.remoteURI = uri
	s.direction = DirectionOutgoing
	for _, d := range descs {
		s.streams.add(newStream(d))
	}
	s.deleteWhenDone = len(descs) == 1 && descs[0].Kind == engine.StreamAudio
	if err := s.setStateLocked(state.Parse("initialized")); err != nil {
		s.mu.Unlock()
		return err
	}
	s.emitLocked(NewOutgoingNotification{NotificationBase{s}, reinit})
	s.log.Debug("исходящая сессия инициализирована",
		slog.String("uri", uri),
		slog.Bool("reinitialized", reinit))
	s.mu.Unlock()
	s.flush()
	return nil
}

// IncomingParams — параметры входящего вызова от движка.
type IncomingParams struct {
	EngineSession    engine.Session
	Account          Account
	Contact          contacts.Contact
	URI              string
	Streams          []engine.StreamDescriptor
	RemoteInstanceID string
	IsConference     bool
}

// InitIncoming инициализирует сессию входящим вызовом. Сессия движка уже
// существует, поэтому автомат сразу входит в connecting; предложенные
// потоки составляют начальный набор до выбора при Accept.
func (s *Session) InitIncoming(params IncomingParams) error {
	if params.EngineSession == nil {
		return NewError(ErrorCodeEngineFailure, s.id, "входящий вызов без сессии движка")
	}
	s.mu.Lock()
	reinit, err := s.beginInitLocked(params.Streams)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.account = params.Account
	s.contact = params.Contact
	s.remoteURI = params.URI
	s.direction = DirectionIncoming
	s.remoteInstanceID = params.RemoteInstanceID
	s.isFocus = params.IsConference
	s.engineSession = params.EngineSession
	for _, d := range params.Streams {
		s.streams.add(newStream(d))
	}
	s.deleteWhenDone = len(params.Streams) == 1 && params.Streams[0].Kind == engine.StreamAudio
	if err := s.setStateLocked(state.Parse("initialized")); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.setStateLocked(state.Parse("connecting")); err != nil {
		s.mu.Unlock()
		return err
	}
	s.emitLocked(NewIncomingNotification{NotificationBase{s}, reinit})
	s.log.Debug("входящая сессия инициализирована",
		slog.String("uri", params.URI),
		slog.Bool("reinitialized", reinit))
	s.mu.Unlock()
	s.flush()
	return nil
}

// InitTransfer инициализирует исходящую сессию, заменяющую существующую
// (перевод звонка на нас). Отличается от InitOutgoing только заменяемой
// сессией движка в параметрах установления.
func (s *Session) InitTransfer(account Account, contact contacts.Contact, uri string, descs []engine.StreamDescriptor, replaces engine.Session) error {
	if err := s.InitOutgoing(account, contact, uri, descs); err != nil {
		return err
	}
	s.mu.Lock()
	s.replaces = replaces
	s.mu.Unlock()
	return nil
}

// beginInitLocked проверяет допустимость инициализации и сбрасывает
// изменяемое состояние. Возвращает признак повторного использования.
func (s *Session) beginInitLocked(descs []engine.StreamDescriptor) (bool, error) {
	cur := s.machine.Current()
	if cur.Match(state.Parse("deleted")) {
		return false, NewError(ErrorCodeSessionDeleted, s.id, "сессия удалена")
	}
	if !cur.In("None", "initialized", "ended") {
		return false, NewError(ErrorCodeInvalidState, s.id, "инициализация из состояния "+cur.String())
	}
	if s.deleteRequested {
		return false, NewError(ErrorCodeSessionDeleted, s.id, "сессия ожидает удаления")
	}
	if s.clientConference != nil {
		return false, NewError(ErrorCodeInvalidState, s.id, "сессия в конференции не может быть переинициализирована")
	}
	if len(descs) == 0 {
		return false, NewError(ErrorCodeStreamNotFound, s.id, "пустой набор потоков")
	}
	if kind, ok := validateDescriptors(descs); !ok {
		return false, NewError(ErrorCodeDuplicateStream, s.id, "дубликат потока "+string(kind))
	}
	reinit := !cur.IsNone()
	s.resetLocked()
	return reinit, nil
}

// resetLocked сбрасывает все изменяемые поля, кроме независимой от вызова
// конфигурации, и обесценивает незавершенную асинхронную работу.
func (s *Session) resetLocked() {
	s.generation++
	if s.composingTimer != nil {
		s.composingTimer.Stop()
		s.composingTimer = nil
	}
	s.account = Account{}
	s.contact = contacts.Contact{}
	s.remoteURI = ""
	s.direction = ""
	s.remoteInstanceID = ""
	s.isFocus = false
	s.replaces = nil
	s.engineSession = nil
	s.routes = nil
	s.streams = newStreamSet()
	s.proposed = newStreamSet()
	s.proposalRemove = nil
	s.remoteOffer = nil
	s.localHold = false
	s.localHoldActive = false
	s.remoteHold = false
	s.startTime = time.Time{}
	s.endTime = time.Time{}
	s.endReason = ""
	s.endFailed = false
	s.recording = false
	s.recordingPath = ""
	s.transferState = ""
	s.messagesReceived = 0
	s.messagesSent = 0
	s.remoteComposing = false
	s.serverConference = nil
	s.deleteWhenDone = false
	s.pendingAutoEnd = false
}

// --- Установление ---

// Connect начинает установление исходящего вызова: асинхронный резолвинг
// маршрутов, затем создание сессии движка. Допустим только для исходящей
// сессии в состоянии initialized.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.direction != DirectionOutgoing {
		s.mu.Unlock()
		return NewError(ErrorCodeInvalidDirection, s.id, "connect для входящей сессии")
	}
	cur := s.machine.Current()
	if !cur.In("initialized") {
		s.mu.Unlock()
		return NewError(ErrorCodeInvalidState, s.id, "connect из состояния "+cur.String())
	}
	s.emitLocked(WillConnectNotification{NotificationBase{s}})
	if err := s.setStateLocked(state.Parse("connecting/dns_lookup")); err != nil {
		s.mu.Unlock()
		return err
	}
	gen := s.generation
	target := s.remoteURI
	proxy := s.account.OutboundProxy
	s.mu.Unlock()
	s.flush()

	go s.resolveRoutes(gen, target, proxy)
	return nil
}

func (s *Session) resolveRoutes(gen uint64, target, proxy string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResolveTimeout)
	defer cancel()
	routes, err := s.cfg.Resolver.Resolve(ctx, target, proxy)
	s.completeLookup(gen, routes, err)
}

// completeLookup — завершение асинхронного резолвинга. Устаревшие
// результаты (сессия завершена или переинициализирована) отбрасываются.
func (s *Session) completeLookup(gen uint64, routes []engine.Route, err error) {
	s.mu.Lock()
	if gen != s.generation || !s.machine.Current().Match(state.New("connecting", "dns_lookup")) {
		s.mu.Unlock()
		return
	}
	if err != nil || len(routes) == 0 {
		if err != nil {
			s.log.Error("резолвинг маршрутов не удался", slog.String("error", err.Error()))
		} else {
			s.log.Error("резолвинг маршрутов не вернул ни одного маршрута")
		}
		s.terminateLocked(ReasonDNSLookupFailed, true)
		s.mu.Unlock()
		s.flush()
		return
	}
	if err := s.setStateLocked(state.Parse("connecting/dns_lookup_succeeded")); err != nil {
		s.mu.Unlock()
		return
	}
	s.routes = routes
	req := engine.SessionRequest{
		Account:  s.account.ID,
		Target:   s.remoteURI,
		Routes:   routes,
		Streams:  sortedDescriptors(s.streams.descriptors()),
		Replaces: s.replaces,
		IsFocus:  s.isFocus,
	}
	s.mu.Unlock()
	s.flush()

	es, cerr := s.cfg.Engine.CreateSession(context.Background(), req)
	s.attachEngineSession(gen, es, cerr)
}

// attachEngineSession — завершение асинхронного создания сессии движка.
func (s *Session) attachEngineSession(gen uint64, es engine.Session, err error) {
	s.mu.Lock()
	if gen != s.generation || !s.machine.Current().Match(state.New("connecting", "dns_lookup_succeeded")) {
		s.mu.Unlock()
		if es != nil {
			_ = es.End(context.Background())
		}
		return
	}
	if err != nil {
		s.log.Error("движок отказал в создании сессии", slog.String("error", err.Error()))
		s.terminateLocked(ReasonConnectionFailed, true)
		s.mu.Unlock()
		s.flush()
		return
	}
	s.engineSession = es
	_ = s.setStateLocked(state.Parse("connecting"))
	s.mu.Unlock()
	s.flush()
}

// Accept принимает входящий вызов с подмножеством предложенных потоков.
// Пустой список означает все предложенные потоки.
func (s *Session) Accept(kinds ...engine.StreamKind) error {
	s.mu.Lock()
	if s.direction != DirectionIncoming {
		s.mu.Unlock()
		return NewError(ErrorCodeInvalidDirection, s.id, "accept для исходящей сессии")
	}
	cur := s.machine.Current()
	if !cur.In("connecting") {
		s.mu.Unlock()
		return NewError(ErrorCodeInvalidState, s.id, "accept из состояния "+cur.String())
	}
	if len(kinds) > 0 {
		chosen := make(map[engine.StreamKind]bool, len(kinds))
		for _, k := range kinds {
			if !s.streams.has(k) {
				s.mu.Unlock()
				return NewError(ErrorCodeStreamNotFound, s.id, "поток "+string(k)+" не был предложен")
			}
			chosen[k] = true
		}
		for _, k := range s.streams.kinds() {
			if !chosen[k] {
				s.streams.remove(k)
			}
		}
		// Правило персистентности пересчитывается по принятому набору
		s.deleteWhenDone = len(s.streams) == 1 && s.streams.has(engine.StreamAudio)
	}
	descs := sortedDescriptors(s.streams.descriptors())
	es := s.engineSession
	s.mu.Unlock()

	if err := es.Accept(descs); err != nil {
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в приеме вызова").WithWrapped(err)
	}
	return nil
}

// Reject отклоняет входящий вызов с SIP-кодом; ноль означает 603.
func (s *Session) Reject(code int) error {
	s.mu.Lock()
	if s.direction != DirectionIncoming {
		s.mu.Unlock()
		return NewError(ErrorCodeInvalidDirection, s.id, "reject для исходящей сессии")
	}
	cur := s.machine.Current()
	if !cur.In("connecting") {
		s.mu.Unlock()
		return NewError(ErrorCodeInvalidState, s.id, "reject из состояния "+cur.String())
	}
	es := s.engineSession
	s.mu.Unlock()

	if code == 0 {
		code = 603
	}
	if err := es.Reject(code); err != nil {
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в отклонении вызова").WithWrapped(err)
	}
	return nil
}

// --- Завершение ---

// End завершает сессию. Из ending и ended повторный вызов — no-op.
// Без сессии движка (чисто локальная отмена) терминальное состояние
// достигается немедленно.
func (s *Session) End() error {
	s.mu.Lock()
	cur := s.machine.Current()
	switch {
	case cur.Match(state.Parse("deleted")):
		s.mu.Unlock()
		return NewError(ErrorCodeSessionDeleted, s.id, "end для удаленной сессии")
	case cur.In("ending", "ended"):
		s.mu.Unlock()
		return nil
	case !cur.In("initialized", "connecting/*", "connected/*"):
		s.mu.Unlock()
		return NewError(ErrorCodeInvalidState, s.id, "end из состояния "+cur.String())
	}
	s.emitLocked(WillEndNotification{NotificationBase{s}})
	if err := s.setStateLocked(state.Parse("ending")); err != nil {
		s.mu.Unlock()
		return err
	}
	es := s.engineSession
	if es == nil {
		// Вызов еще не дошел до движка: завершаем локально
		reason := ReasonEndedLocal
		if s.startTime.IsZero() {
			reason = ReasonCancelled
		}
		s.terminateLocked(reason, false)
		s.mu.Unlock()
		s.flush()
		return nil
	}
	s.mu.Unlock()
	s.flush()

	if err := es.End(context.Background()); err != nil {
		s.log.Error("движок отказал в завершении сессии", slog.String("error", err.Error()))
		s.mu.Lock()
		s.terminateLocked(ReasonEndedLocal, false)
		s.mu.Unlock()
		s.flush()
	}
	return nil
}

// Delete запрашивает удаление сессии: из ended — немедленно, из прочих
// состояний — отложенно, при достижении ended.
func (s *Session) Delete() {
	s.mu.Lock()
	cur := s.machine.Current()
	switch {
	case cur.Match(state.Parse("deleted")):
	case cur.Match(state.Parse("ended")):
		if err := s.setStateLocked(state.Parse("deleted")); err == nil {
			s.emitLocked(DeletedNotification{NotificationBase{s}})
		}
	default:
		s.deleteRequested = true
	}
	s.mu.Unlock()
	s.flush()
}

// terminateLocked — единая воронка всех путей в ended: сбрасывает ссылки
// на незавершенную работу, движок и потоки, фиксирует причину, всегда
// эмитит DidEnd и при необходимости немедленно удаляет сессию.
func (s *Session) terminateLocked(reason string, failed bool) {
	cur := s.machine.Current()
	if cur.IsNone() || cur.In("ended", "deleted") {
		return
	}
	s.generation++
	if s.composingTimer != nil {
		s.composingTimer.Stop()
		s.composingTimer = nil
	}
	s.routes = nil
	s.replaces = nil
	s.engineSession = nil
	for _, st := range s.streams {
		st.engineStream = nil
	}
	s.streams.clear()
	s.proposed.clear()
	s.proposalRemove = nil
	s.remoteOffer = nil
	s.serverConference = nil
	s.endTime = time.Now()
	s.endReason = reason
	s.endFailed = failed
	if err := s.setStateLocked(state.Parse("ended")); err != nil {
		s.log.Error("переход в ended не удался", slog.String("error", err.Error()))
		return
	}
	s.emitLocked(DidEndNotification{NotificationBase{s}, reason, failed})
	s.log.Info("сессия завершена",
		slog.String("reason", reason),
		slog.Bool("failed", failed))
	if s.deleteWhenDone || s.deleteRequested {
		if err := s.setStateLocked(state.Parse("deleted")); err == nil {
			s.emitLocked(DeletedNotification{NotificationBase{s}})
		}
	}
}

// --- Переговоры по потокам ---

// AddStream предлагает добавить один поток в установленную сессию.
func (s *Session) AddStream(desc engine.StreamDescriptor) error {
	return s.AddStreams([]engine.StreamDescriptor{desc})
}

// AddStreams предлагает добавить потоки. Допустимо только в connected;
// дубликат типа в активном или предложенном наборе — нарушение контракта.
func (s *Session) AddStreams(descs []engine.StreamDescriptor) error {
	s.mu.Lock()
	cur := s.machine.Current()
	if !cur.In("connected") {
		s.mu.Unlock()
		return NewError(ErrorCodeInvalidState, s.id, "добавление потоков из состояния "+cur.String())
	}
	if len(descs) == 0 {
		s.mu.Unlock()
		return NewError(ErrorCodeStreamNotFound, s.id, "пустой набор потоков")
	}
	if kind, ok := validateDescriptors(descs); !ok {
		s.mu.Unlock()
		return NewError(ErrorCodeDuplicateStream, s.id, "дубликат потока "+string(kind))
	}
	for _, d := range descs {
		if s.streams.has(d.Kind) || s.proposed.has(d.Kind) {
			s.mu.Unlock()
			return NewError(ErrorCodeDuplicateStream, s.id, "поток "+string(d.Kind)+" уже существует")
		}
	}
	for _, d := range descs {
		s.proposed.add(newStream(d))
	}
	if err := s.setStateLocked(state.Parse("connected/sent_proposal")); err != nil {
		s.mu.Unlock()
		return err
	}
	es := s.engineSession
	s.mu.Unlock()
	s.flush()

	if err := es.ProposeStreams(sortedDescriptors(descs), nil); err != nil {
		s.mu.Lock()
		for _, d := range descs {
			s.proposed.remove(d.Kind)
		}
		_ = s.setStateLocked(state.Parse("connected"))
		s.mu.Unlock()
		s.flush()
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в предложении потоков").WithWrapped(err)
	}
	return nil
}

// RemoveStream предлагает удалить один поток.
func (s *Session) RemoveStream(kind engine.StreamKind) error {
	return s.RemoveStreams([]engine.StreamKind{kind})
}

// RemoveStreams предлагает удалить потоки. Удаление последнего потока
// завершает сессию целиком.
func (s *Session) RemoveStreams(kinds []engine.StreamKind) error {
	s.mu.Lock()
	cur := s.machine.Current()
	if !cur.In("connected") {
		s.mu.Unlock()
		return NewError(ErrorCodeInvalidState, s.id, "удаление потоков из состояния "+cur.String())
	}
	if len(kinds) == 0 {
		s.mu.Unlock()
		return NewError(ErrorCodeStreamNotFound, s.id, "пустой набор потоков")
	}
	descs := make([]engine.StreamDescriptor, 0, len(kinds))
	for _, k := range kinds {
		st, ok := s.streams[k]
		if !ok {
			s.mu.Unlock()
			return NewError(ErrorCodeStreamNotFound, s.id, "поток "+string(k)+" не активен")
		}
		descs = append(descs, st.descriptor)
	}
	if len(s.streams) <= len(kinds) {
		s.mu.Unlock()
		return s.End()
	}
	s.proposalRemove = append([]engine.StreamKind(nil), kinds...)
	if err := s.setStateLocked(state.Parse("connected/sent_proposal")); err != nil {
		s.mu.Unlock()
		return err
	}
	es := s.engineSession
	s.mu.Unlock()
	s.flush()

	if err := es.ProposeStreams(nil, sortedDescriptors(descs)); err != nil {
		s.mu.Lock()
		s.proposalRemove = nil
		_ = s.setStateLocked(state.Parse("connected"))
		s.mu.Unlock()
		s.flush()
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в предложении потоков").WithWrapped(err)
	}
	return nil
}

// AcceptProposal принимает встречное предложение потоков; подмножество
// задается kinds, пустой список — все предложенные.
func (s *Session) AcceptProposal(kinds ...engine.StreamKind) error {
	s.mu.Lock()
	cur := s.machine.Current()
	if !cur.Match(state.New("connected", "received_proposal")) || s.remoteOffer == nil {
		s.mu.Unlock()
		return NewError(ErrorCodeNoProposal, s.id, "нет встречного предложения")
	}
	offer := s.remoteOffer
	var descs []engine.StreamDescriptor
	if len(kinds) == 0 {
		descs = offer.add
	} else {
		byKind := make(map[engine.StreamKind]engine.StreamDescriptor, len(offer.add))
		for _, d := range offer.add {
			byKind[d.Kind] = d
		}
		for _, k := range kinds {
			d, ok := byKind[k]
			if !ok {
				s.mu.Unlock()
				return NewError(ErrorCodeStreamNotFound, s.id, "поток "+string(k)+" не был предложен")
			}
			descs = append(descs, d)
		}
	}
	es := s.engineSession
	s.mu.Unlock()

	if err := es.AcceptProposal(sortedDescriptors(descs)); err != nil {
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в приеме предложения").WithWrapped(err)
	}
	return nil
}

// RejectProposal отклоняет встречное предложение потоков.
func (s *Session) RejectProposal() error {
	s.mu.Lock()
	cur := s.machine.Current()
	if !cur.Match(state.New("connected", "received_proposal")) {
		s.mu.Unlock()
		return NewError(ErrorCodeNoProposal, s.id, "нет встречного предложения")
	}
	es := s.engineSession
	s.mu.Unlock()

	if err := es.RejectProposal(); err != nil {
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в отклонении предложения").WithWrapped(err)
	}
	return nil
}

// --- Удержание, перевод, DTMF, запись ---

// Hold запрашивает локальное удержание. Идемпотентен: повторный вызов и
// вызов без сессии движка — no-op.
func (s *Session) Hold() {
	s.mu.Lock()
	if s.engineSession == nil || s.localHold {
		s.mu.Unlock()
		return
	}
	s.localHold = true
	es := s.engineSession
	s.mu.Unlock()

	if err := es.Hold(); err != nil {
		s.log.Error("движок отказал в удержании", slog.String("error", err.Error()))
	}
}

// Unhold снимает локальное удержание. Идемпотентен.
func (s *Session) Unhold() {
	s.mu.Lock()
	if s.engineSession == nil || !s.localHold {
		s.mu.Unlock()
		return
	}
	s.localHold = false
	es := s.engineSession
	s.mu.Unlock()

	if err := es.Unhold(); err != nil {
		s.log.Error("движок отказал в снятии удержания", slog.String("error", err.Error()))
	}
}

// Transfer переводит звонок на target; replaced задает сессию для
// attended-перевода. Контрольный путь без обратной связи: нарушения
// контракта логируются и не возвращаются вызывающему.
func (s *Session) Transfer(target string, replaced *Session) {
	s.mu.Lock()
	cur := s.machine.Current()
	if !cur.Match(state.Parse("connected")) {
		s.mu.Unlock()
		s.log.Error("перевод звонка вне установленной сессии", slog.String("state", cur.String()))
		return
	}
	es := s.engineSession
	s.mu.Unlock()

	var replacedEngine engine.Session
	if replaced != nil {
		replacedEngine = replaced.EngineSession()
	}
	if err := es.Transfer(target, replacedEngine); err != nil {
		s.log.Error("движок отказал в переводе звонка",
			slog.String("target", target),
			slog.String("error", err.Error()))
	}
}

// SendDTMF отправляет DTMF-цифру. Требует установленной сессии с активным
// аудиопотоком.
func (s *Session) SendDTMF(digit byte) error {
	s.mu.Lock()
	cur := s.machine.Current()
	if !cur.In("connected/*") {
		s.mu.Unlock()
		return NewError(ErrorCodeInvalidState, s.id, "DTMF из состояния "+cur.String())
	}
	st, ok := s.streams[engine.StreamAudio]
	if !ok || st.engineStream == nil {
		s.mu.Unlock()
		return NewError(ErrorCodeStreamNotFound, s.id, "нет активного аудиопотока")
	}
	es := s.engineSession
	s.mu.Unlock()

	if err := es.SendDTMF(digit); err != nil {
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в отправке DTMF").WithWrapped(err)
	}
	return nil
}

// SetMuted включает или выключает передачу потока данного типа.
func (s *Session) SetMuted(kind engine.StreamKind, muted bool) error {
	s.mu.Lock()
	st, ok := s.streams[kind]
	if !ok {
		s.mu.Unlock()
		return NewError(ErrorCodeStreamNotFound, s.id, "поток "+string(kind)+" не активен")
	}
	if st.muted == muted || s.engineSession == nil {
		st.muted = muted
		s.mu.Unlock()
		return nil
	}
	st.muted = muted
	es := s.engineSession
	s.emitLocked(InfoUpdatedNotification{NotificationBase{s}})
	s.mu.Unlock()
	s.flush()

	if err := es.MuteStream(kind, muted); err != nil {
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в mute").WithWrapped(err)
	}
	return nil
}

// StartRecording начинает запись аудио в файл path.
func (s *Session) StartRecording(path string) error {
	s.mu.Lock()
	es := s.engineSession
	s.mu.Unlock()
	if es == nil {
		return NewError(ErrorCodeInvalidState, s.id, "запись без сессии движка")
	}
	if err := es.StartRecording(path); err != nil {
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в записи").WithWrapped(err)
	}
	return nil
}

// StopRecording останавливает запись аудио.
func (s *Session) StopRecording() error {
	s.mu.Lock()
	es := s.engineSession
	s.mu.Unlock()
	if es == nil {
		return NewError(ErrorCodeInvalidState, s.id, "остановка записи без сессии движка")
	}
	if err := es.StopRecording(); err != nil {
		return NewError(ErrorCodeEngineFailure, s.id, "движок отказал в остановке записи").WithWrapped(err)
	}
	return nil
}

// SendMessage отправляет сообщение через chat-поток сессии.
func (s *Session) SendMessage(content, contentType string) (string, error) {
	s.mu.Lock()
	st, ok := s.streams[engine.StreamChat]
	if !ok || st.engineStream == nil {
		s.mu.Unlock()
		return "", NewError(ErrorCodeStreamNotFound, s.id, "нет активного chat-потока")
	}
	sender, ok := st.engineStream.(engine.ChatSender)
	if !ok {
		s.mu.Unlock()
		return "", NewError(ErrorCodeEngineFailure, s.id, "chat-поток не поддерживает отправку")
	}
	s.messagesSent++
	s.mu.Unlock()

	id, err := sender.SendMessage(content, contentType)
	if err != nil {
		return "", NewError(ErrorCodeEngineFailure, s.id, "отправка сообщения не удалась").WithWrapped(err)
	}
	return id, nil
}

// SendComposing сигнализирует удаленной стороне о наборе текста.
func (s *Session) SendComposing(active bool) error {
	s.mu.Lock()
	st, ok := s.streams[engine.StreamChat]
	if !ok || st.engineStream == nil {
		s.mu.Unlock()
		return NewError(ErrorCodeStreamNotFound, s.id, "нет активного chat-потока")
	}
	sender, ok := st.engineStream.(engine.ChatSender)
	if !ok {
		s.mu.Unlock()
		return NewError(ErrorCodeEngineFailure, s.id, "chat-поток не поддерживает индикацию набора")
	}
	s.mu.Unlock()
	return sender.SendComposing(active)
}

// --- Обработка событий движка ---

// HandleEvent применяет событие движка к состоянию сессии. Вызывается
// циклом менеджера; события одной сессии должны приходить по порядку.
func (s *Session) HandleEvent(ev engine.Event) {
	s.mu.Lock()
	s.handleEventLocked(ev)
	autoEnd := s.pendingAutoEnd
	s.pendingAutoEnd = false
	s.mu.Unlock()
	s.flush()
	if autoEnd {
		_ = s.End()
	}
}

func (s *Session) handleEventLocked(ev engine.Event) {
	switch e := ev.(type) {
	case engine.ProgressEvent:
		s.onProgressLocked(e)
	case engine.WillStartEvent:
		s.onWillStartLocked()
	case engine.StartedEvent:
		s.onStartedLocked(e)
	case engine.FailedEvent:
		s.onFailedLocked(e)
	case engine.EndedEvent:
		s.onEndedLocked(e)
	case engine.HoldEvent:
		s.onHoldLocked(e)
	case engine.ProposalEvent:
		s.onProposalLocked(e)
	case engine.ProposalAnsweredEvent:
		s.onProposalAnsweredLocked(e)
	case engine.StreamStatsEvent:
		s.onStreamStatsLocked(e)
	case engine.ICEStateEvent:
		s.onICEStateLocked(e)
	case engine.EncryptionEvent:
		s.onEncryptionLocked(e)
	case engine.ConferenceInfoEvent:
		s.onConferenceInfoLocked(e)
	case engine.RecordingEvent:
		s.onRecordingLocked(e)
	case engine.MessageEvent:
		s.onMessageLocked(e)
	case engine.ComposingEvent:
		s.onComposingLocked(e)
	case engine.CallTransferEvent:
		s.onCallTransferLocked(e)
	case engine.DTMFEvent:
		s.emitLocked(DTMFReceivedNotification{NotificationBase{s}, e.Digit})
	case engine.IncomingSessionEvent:
		s.log.Warn("событие входящего вызова адресовано менеджеру, не сессии")
	case engine.TransferProgressEvent:
		// прогресс передачи файла относится к машине передач
	default:
		s.log.Debug("событие движка без обработчика")
	}
}

func (s *Session) onProgressLocked(e engine.ProgressEvent) {
	cur := s.machine.Current()
	if !cur.In("connecting", "connecting/ringing", "connecting/early_media") {
		return
	}
	switch e.Code {
	case 180:
		_ = s.setStateLocked(state.Parse("connecting/ringing"))
	case 183:
		_ = s.setStateLocked(state.Parse("connecting/early_media"))
	}
}

func (s *Session) onWillStartLocked() {
	cur := s.machine.Current()
	if !cur.In("connecting", "connecting/ringing", "connecting/early_media") {
		return
	}
	_ = s.setStateLocked(state.Parse("connecting/starting"))
}

func (s *Session) onStartedLocked(e engine.StartedEvent) {
	cur := s.machine.Current()
	if !cur.In("connecting/*") {
		return
	}
	s.startTime = time.Now()
	s.reconcileStreamsLocked(e.Streams)
	if err := s.setStateLocked(state.Parse("connected")); err != nil {
		return
	}
	s.emitLocked(DidConnectNotification{NotificationBase{s}})
	s.syncConferenceAudioLocked()
}

func (s *Session) onFailedLocked(e engine.FailedEvent) {
	s.terminateLocked(reasonFromFailure(e), true)
}

func (s *Session) onEndedLocked(e engine.EndedEvent) {
	reason := ReasonEndedRemote
	if e.Originator == engine.OriginatorLocal {
		reason = ReasonEndedLocal
	}
	s.terminateLocked(reason, false)
}

func (s *Session) onHoldLocked(e engine.HoldEvent) {
	if e.Originator == engine.OriginatorLocal {
		if s.localHoldActive == e.On {
			return
		}
		s.localHoldActive = e.On
		s.localHold = e.On
	} else {
		if s.remoteHold == e.On {
			return
		}
		s.remoteHold = e.On
	}
	s.emitLocked(HoldChangedNotification{NotificationBase{s}, e.Originator, e.On})
}

func (s *Session) onProposalLocked(e engine.ProposalEvent) {
	cur := s.machine.Current()
	es := s.engineSession
	if !cur.Match(state.Parse("connected")) || es == nil {
		s.log.Debug("встречное предложение вне connected отклонено", slog.String("state", cur.String()))
		if es != nil {
			_ = es.RejectProposal()
		}
		return
	}
	for _, d := range e.Add {
		if s.streams.has(d.Kind) {
			s.log.Error("встречное предложение дублирует поток", slog.String("kind", string(d.Kind)))
			_ = es.RejectProposal()
			return
		}
	}
	s.remoteOffer = &remoteProposal{add: e.Add, remove: e.Remove}
	for _, d := range e.Add {
		s.proposed.add(newStream(d))
	}
	if err := s.setStateLocked(state.Parse("connected/received_proposal")); err != nil {
		return
	}
	s.emitLocked(ProposalReceivedNotification{NotificationBase{s}, e.Add, e.Remove})
}

func (s *Session) onProposalAnsweredLocked(e engine.ProposalAnsweredEvent) {
	cur := s.machine.Current()
	if !cur.In("connected/sent_proposal", "connected/received_proposal") {
		return
	}
	added, removed := s.reconcileStreamsLocked(e.Streams)
	for _, k := range added {
		s.emitLocked(DidAddStreamNotification{NotificationBase{s}, k})
	}
	for _, k := range removed {
		s.emitLocked(DidRemoveStreamNotification{NotificationBase{s}, k})
	}
	// Предложенные, но не вошедшие в итоговый набор потоки не добавлены
	reason := e.Reason
	if reason == "" {
		reason = string(e.Answer)
	}
	for _, k := range s.proposed.kinds() {
		s.proposed.remove(k)
		s.emitLocked(DidNotAddStreamNotification{NotificationBase{s}, k, reason})
	}
	s.proposalRemove = nil
	s.remoteOffer = nil
	_ = s.setStateLocked(state.Parse("connected"))
	s.syncConferenceAudioLocked()
	if len(s.streams) == 0 {
		s.pendingAutoEnd = true
	}
}

func (s *Session) onStreamStatsLocked(e engine.StreamStatsEvent) {
	st, ok := s.streams[e.Kind]
	if !ok {
		return
	}
	st.info.Stats = e.Stats
	s.emitLocked(InfoUpdatedNotification{NotificationBase{s}})
}

func (s *Session) onICEStateLocked(e engine.ICEStateEvent) {
	st, ok := s.streams[e.Kind]
	if !ok {
		return
	}
	st.info.ICEState = e.State
	s.emitLocked(InfoUpdatedNotification{NotificationBase{s}})
}

func (s *Session) onEncryptionLocked(e engine.EncryptionEvent) {
	st, ok := s.streams[e.Kind]
	if !ok {
		return
	}
	st.info.Encryption = EncryptionInfo{
		On:       e.On,
		Protocol: e.Protocol,
		Cipher:   e.Cipher,
		Verified: e.Verified,
	}
	s.emitLocked(InfoUpdatedNotification{NotificationBase{s}})
}

func (s *Session) onConferenceInfoLocked(e engine.ConferenceInfoEvent) {
	if s.serverConference == nil {
		s.serverConference = newServerConference(s)
	}
	s.serverConference.applySnapshotLocked(e.Participants)
}

func (s *Session) onRecordingLocked(e engine.RecordingEvent) {
	if s.recording == e.Active {
		return
	}
	s.recording = e.Active
	s.recordingPath = e.Path
	s.emitLocked(RecordingChangedNotification{NotificationBase{s}, e.Active, e.Path})
}

func (s *Session) onMessageLocked(e engine.MessageEvent) {
	s.messagesReceived++
	s.emitLocked(MessageReceivedNotification{NotificationBase{s}, e.Sender, e.Content, e.ContentType})
}

func (s *Session) onComposingLocked(e engine.ComposingEvent) {
	if s.composingTimer != nil {
		s.composingTimer.Stop()
		s.composingTimer = nil
	}
	if e.Active {
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = defaultComposingTimeout
		}
		gen := s.generation
		s.composingTimer = time.AfterFunc(timeout, func() { s.composingExpired(gen) })
	}
	if s.remoteComposing == e.Active {
		return
	}
	s.remoteComposing = e.Active
	s.emitLocked(ComposingChangedNotification{NotificationBase{s}, e.Active})
}

// composingExpired сбрасывает индикацию набора по истечении срока.
func (s *Session) composingExpired(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || !s.remoteComposing {
		s.mu.Unlock()
		return
	}
	s.remoteComposing = false
	s.composingTimer = nil
	s.emitLocked(ComposingChangedNotification{NotificationBase{s}, false})
	s.mu.Unlock()
	s.flush()
}

func (s *Session) onCallTransferLocked(e engine.CallTransferEvent) {
	s.transferState = e.State
	s.emitLocked(TransferStateNotification{NotificationBase{s}, e.State, e.Reason})
}

// reconcileStreamsLocked сверяет набор потоков сессии с полным набором
// активных потоков движка: подтвержденные предложенные потоки переходят
// в активные, исчезнувшие удаляются, новые (добавленные удаленной
// стороной) создаются. Возвращает добавленные и удаленные типы.
func (s *Session) reconcileStreamsLocked(engineStreams []engine.Stream) (added, removed []engine.StreamKind) {
	actual := make(map[engine.StreamKind]engine.Stream, len(engineStreams))
	for _, es := range engineStreams {
		actual[es.Kind()] = es
	}
	for _, k := range s.streams.kinds() {
		if _, ok := actual[k]; !ok {
			st := s.streams.remove(k)
			st.engineStream = nil
			removed = append(removed, k)
		}
	}
	for k, es := range actual {
		if st, ok := s.streams[k]; ok {
			st.attach(es)
			continue
		}
		if st, ok := s.proposed[k]; ok {
			s.proposed.remove(k)
			st.attach(es)
			s.streams.add(st)
			added = append(added, k)
			continue
		}
		st := newStream(engine.StreamDescriptor{Kind: k})
		st.attach(es)
		s.streams.add(st)
		added = append(added, k)
	}
	sortKinds(added)
	sortKinds(removed)
	return added, removed
}

// syncConferenceAudioLocked зеркалирует актуальный аудиопоток в мост
// клиентской конференции, если сессия — участник.
func (s *Session) syncConferenceAudioLocked() {
	if s.clientConference == nil {
		return
	}
	var audio engine.Stream
	if st, ok := s.streams[engine.StreamAudio]; ok {
		audio = st.engineStream
	}
	s.clientConference.syncAudio(s, audio)
}

// audioEngineStream возвращает активный аудиопоток движка или nil.
func (s *Session) audioEngineStream() engine.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[engine.StreamAudio]; ok {
		return st.engineStream
	}
	return nil
}

// setClientConference выставляет принадлежность к клиентской конференции.
func (s *Session) setClientConference(c *ClientConference) {
	s.mu.Lock()
	s.clientConference = c
	if c != nil {
		s.emitLocked(ConferenceJoinedNotification{NotificationBase{s}, c})
	} else {
		s.emitLocked(ConferenceLeftNotification{NotificationBase{s}})
	}
	s.mu.Unlock()
	s.flush()
}

// --- Служебные ---

// setStateLocked — единственная точка смены состояния: переводит автомат
// и эмитит уведомление о переходе.
func (s *Session) setStateLocked(to state.State) error {
	old, err := s.machine.Set(to)
	if err != nil {
		return err
	}
	if old != to {
		s.log.Debug("переход состояния сессии",
			slog.String("from", old.String()),
			slog.String("to", to.String()))
		s.emitLocked(StateChangedNotification{NotificationBase{s}, old, to})
	}
	return nil
}

// emitLocked ставит уведомление в очередь доставки текущей операции.
func (s *Session) emitLocked(n Notification) {
	s.pending = append(s.pending, n)
}

// flush доставляет накопленные уведомления вне мьютекса сессии.
func (s *Session) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if s.cfg.Notify == nil {
		return
	}
	for _, n := range batch {
		s.cfg.Notify(n)
	}
}

// reasonFromFailure выводит причину завершения из кода сбоя.
func reasonFromFailure(e engine.FailedEvent) string {
	switch e.Code {
	case 487:
		return ReasonCancelled
	case 486:
		return "Busy"
	case 603:
		return "Call declined"
	case 404:
		return "Not found"
	case 408:
		return "Timeout"
	case 480:
		return "Unavailable"
	}
	if e.Reason != "" {
		return e.Reason
	}
	return "Call failed"
}

func sortKinds(kinds []engine.StreamKind) {
	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Priority() != kinds[j].Priority() {
			return kinds[i].Priority() < kinds[j].Priority()
		}
		return kinds[i] < kinds[j]
	})
}

// sortedDescriptors возвращает копию дескрипторов в детерминированном
// порядке: по приоритету типа, затем по имени.
func sortedDescriptors(descs []engine.StreamDescriptor) []engine.StreamDescriptor {
	out := append([]engine.StreamDescriptor(nil), descs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind.Priority() != out[j].Kind.Priority() {
			return out[i].Kind.Priority() < out[j].Kind.Priority()
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
