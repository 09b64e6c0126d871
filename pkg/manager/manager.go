// Package manager владеет реестром сессий и передач процесса: создает и
// переиспользует объекты, маршрутизирует события движка владельцам,
// арбитрирует очередь входящих запросов, активную сессию и звуковые
// сигналы, ведет журнал передач.
//
// Менеджер потокобезопасен. Его мьютекс защищает реестр, очередь и итог
// арбитража; операции сессий и передач всегда вызываются вне этого
// мьютекса, поэтому их обработчики уведомлений могут свободно
// обращаться обратно к менеджеру.
package manager

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/call_core/pkg/contacts"
	"github.com/arzzra/call_core/pkg/engine"
	"github.com/arzzra/call_core/pkg/session"
	"github.com/arzzra/call_core/pkg/transfer"
)

// Config — зависимости и параметры менеджера.
type Config struct {
	// Engine — коммуникационный движок. Обязателен.
	Engine engine.Engine
	// Resolver резолвит цели исходящих вызовов в маршруты. Обязателен.
	Resolver engine.RouteResolver
	// Contacts сопоставляет сырые адреса контактам. По умолчанию —
	// пустая адресная книга без домена.
	Contacts contacts.Resolver
	// Account — идентичность локальной стороны для входящих запросов
	// и значение по умолчанию для исходящих.
	Account session.Account

	// Notify вызывается на каждое уведомление менеджера вне его
	// мьютекса. Может быть nil.
	Notify func(Notification)
	// SessionNotify и TransferNotify ретранслируют уведомления
	// подопечных объектов после собственной обработки менеджера.
	SessionNotify  func(session.Notification)
	TransferNotify func(transfer.Notification)

	// Tones применяет итог арбитража звуковых сигналов.
	// По умолчанию — молчащая заглушка.
	Tones TonePlayer
	// Logger — логгер компонента. По умолчанию slog.Default.
	Logger *slog.Logger
	// ResolveTimeout ограничивает время резолвинга маршрутов.
	ResolveTimeout time.Duration

	// AutoAnswer решает, принять ли входящий запрос автоматически и с
	// какой задержкой. Может быть nil: тогда автоответ срабатывает
	// только по флагу движка, немедленно.
	AutoAnswer func(contact contacts.Contact) (time.Duration, bool)

	// DownloadDir — каталог принимаемых файлов. По умолчанию os.TempDir.
	DownloadDir string
	// KeyRing и PGPMaxSize передаются передачам файлов.
	KeyRing    *transfer.KeyRing
	PGPMaxSize int64
	// HistoryPath — путь журнала передач; пустая строка отключает журнал.
	HistoryPath string
	// HistoryLimit — емкость журнала передач.
	HistoryLimit int
}

// DefaultConfig возвращает конфигурацию с параметрами по умолчанию.
// Engine и Resolver заполняет вызывающий.
func DefaultConfig() Config {
	return Config{
		ResolveTimeout: 15 * time.Second,
		HistoryLimit:   100,
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
	return nil
}

// Manager — реестр сессий и передач процесса.
type Manager struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	sessions  []*session.Session
	transfers []*transfer.Transfer
	queue     []*IncomingRequest
	active    *session.Session
	tones     Tones
	closed    bool

	history *transfer.History

	done chan struct{}
}

// New создает менеджер и запускает цикл событий движка.
func New(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "конфигурация менеджера")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Contacts == nil {
		cfg.Contacts = contacts.NewDirectory("")
	}
	if cfg.Tones == nil {
		cfg.Tones = nopTonePlayer{}
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = os.TempDir()
	}

	m := &Manager{
		cfg:  cfg,
		log:  cfg.Logger.With(slog.String("component", "manager")),
		done: make(chan struct{}),
	}
	if cfg.HistoryPath != "" {
		m.history = transfer.NewHistory(cfg.HistoryPath, cfg.HistoryLimit)
		if err := m.history.Load(); err != nil {
			m.log.Warn("журнал передач не загружен", slog.String("error", err.Error()))
		}
	}
	go m.run()
	return m, nil
}

// run — единственный потребитель канала событий движка. Цикл завершается
// закрытием канала в Engine.Close.
func (m *Manager) run() {
	defer close(m.done)
	for ev := range m.cfg.Engine.Events() {
		m.dispatch(ev)
	}
}

// dispatch доставляет событие движка владельцу: сессии или передаче,
// чья сессия движка совпадает с сессией события.
func (m *Manager) dispatch(ev engine.Event) {
	if inc, ok := ev.(engine.IncomingSessionEvent); ok {
		m.handleIncoming(inc)
		return
	}
	es := ev.EngineSession()
	if es == nil {
		return
	}
	if s := m.findSession(es); s != nil {
		s.HandleEvent(ev)
		return
	}
	if t := m.findTransfer(es); t != nil {
		t.HandleEvent(ev)
		return
	}
	m.log.Debug("событие без владельца", slog.String("engine_session", es.ID()))
}

func (m *Manager) findSession(es engine.Session) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.EngineSession() == es {
			return s
		}
	}
	return nil
}

func (m *Manager) findTransfer(es engine.Session) *transfer.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transfers {
		if t.EngineSession() == es {
			return t
		}
	}
	return nil
}

// --- Входящие запросы ---

// handleIncoming обслуживает новую входящую сессию движка: заводит
// сессию или передачу и ставит запрос в очередь входящих.
func (m *Manager) handleIncoming(e engine.IncomingSessionEvent) {
	es := e.EngineSession()
	if es == nil {
		return
	}
	if m.isClosed() {
		_ = es.Reject(480)
		return
	}
	contact := m.cfg.Contacts.Lookup(e.From)
	if contact.DisplayName == "" {
		contact.DisplayName = e.DisplayName
	}
	if isFileTransferOffer(e.Streams) {
		m.handleIncomingTransfer(e, contact)
		return
	}
	m.handleIncomingSession(e, contact)
}

// isFileTransferOffer распознает предложение из единственного потока
// передачи файла: такие сессии обслуживает pkg/transfer, а не pkg/session.
func isFileTransferOffer(streams []engine.StreamDescriptor) bool {
	return len(streams) == 1 && streams[0].Kind == engine.StreamFileTransfer
}

func (m *Manager) handleIncomingSession(e engine.IncomingSessionEvent, contact contacts.Contact) {
	s, err := session.New(session.Config{
		Engine:         m.cfg.Engine,
		Resolver:       m.cfg.Resolver,
		Notify:         m.onSessionNotification,
		Logger:         m.cfg.Logger,
		ResolveTimeout: m.cfg.ResolveTimeout,
	})
	if err != nil {
		m.log.Error("создание сессии не удалось", slog.String("error", err.Error()))
		return
	}
	m.register(s)

	err = s.InitIncoming(session.IncomingParams{
		EngineSession:    e.EngineSession(),
		Account:          m.cfg.Account,
		Contact:          contact,
		URI:              contact.URI,
		Streams:          e.Streams,
		RemoteInstanceID: e.RemoteInstanceID,
		IsConference:     e.IsConference,
	})
	if err != nil {
		m.log.Error("входящая сессия не инициализирована",
			slog.String("from", e.From),
			slog.String("error", err.Error()))
		m.removeSession(s)
		return
	}

	m.enqueue(&IncomingRequest{
		id:       s.ID(),
		received: time.Now(),
		contact:  contact,
		streams:  append([]engine.StreamDescriptor(nil), e.Streams...),
		priority: requestPriority(e.Streams),
		session:  s,
	}, e.AutoAnswer)
}

func (m *Manager) handleIncomingTransfer(e engine.IncomingSessionEvent, contact contacts.Contact) {
	t, err := transfer.New(transfer.Config{
		Engine:         m.cfg.Engine,
		Resolver:       m.cfg.Resolver,
		Notify:         m.onTransferNotification,
		Logger:         m.cfg.Logger,
		ResolveTimeout: m.cfg.ResolveTimeout,
		KeyRing:        m.cfg.KeyRing,
		PGPMaxSize:     m.cfg.PGPMaxSize,
	})
	if err != nil {
		m.log.Error("создание передачи не удалось", slog.String("error", err.Error()))
		return
	}
	m.mu.Lock()
	m.transfers = append(m.transfers, t)
	m.mu.Unlock()

	desc := e.Streams[0]
	name := stringOption(desc.Options, "name")
	if name == "" {
		name = e.EngineSession().ID()
	}
	err = t.InitIncoming(transfer.IncomingParams{
		EngineSession: e.EngineSession(),
		Account:       m.cfg.Account,
		Contact:       contact,
		URI:           contact.URI,
		Type:          transfer.TransferType(stringOption(desc.Options, "transfer_type")),
		Path:          filepath.Join(m.cfg.DownloadDir, filepath.Base(name)),
		Name:          name,
		Size:          intOption(desc.Options, "size"),
		Hash:          stringOption(desc.Options, "hash"),
		ContentType:   stringOption(desc.Options, "content_type"),
	})
	if err != nil {
		m.log.Error("входящая передача не инициализирована",
			slog.String("from", e.From),
			slog.String("error", err.Error()))
		m.removeTransfer(t)
		return
	}

	m.enqueue(&IncomingRequest{
		id:       t.ID(),
		received: time.Now(),
		contact:  contact,
		streams:  append([]engine.StreamDescriptor(nil), e.Streams...),
		priority: requestPriority(e.Streams),
		transfer: t,
	}, e.AutoAnswer)
}

// enqueueProposal ставит встречное предложение потоков в очередь
// входящих. Предложение без добавляемых потоков (чистое удаление)
// решения не требует и принимается сразу.
func (m *Manager) enqueueProposal(e session.ProposalReceivedNotification) {
	if len(e.Add) == 0 {
		if err := e.Session.AcceptProposal(); err != nil {
			m.log.Warn("прием удаления потоков не удался", slog.String("error", err.Error()))
		}
		return
	}
	m.enqueue(&IncomingRequest{
		id:       e.Session.ID(),
		received: time.Now(),
		contact:  e.Session.Contact(),
		streams:  append([]engine.StreamDescriptor(nil), e.Add...),
		priority: requestPriority(e.Add),
		session:  e.Session,
		proposal: true,
	}, false)
}

// enqueue вставляет запрос в очередь по приоритету, сохраняя порядок
// поступления среди равных, и запускает таймер автоответа, если он
// положен. Голова очереди активируется уведомлением.
func (m *Manager) enqueue(r *IncomingRequest, engineAuto bool) {
	delay, auto := time.Duration(0), engineAuto
	if !auto && m.cfg.AutoAnswer != nil {
		delay, auto = m.cfg.AutoAnswer(r.contact)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	pos := len(m.queue)
	for i, q := range m.queue {
		if r.priority < q.priority {
			pos = i
			break
		}
	}
	m.queue = append(m.queue, nil)
	copy(m.queue[pos+1:], m.queue[pos:])
	m.queue[pos] = r
	if auto {
		r.timer = time.AfterFunc(delay, func() { m.autoAnswer(r) })
	}
	m.mu.Unlock()

	m.notify(IncomingRequestNotification{r})
	if pos == 0 {
		m.notify(RequestActivatedNotification{r})
	}
	m.updateRingtone()
	m.log.Info("входящий запрос в очереди",
		slog.String("request_id", r.id),
		slog.String("kind", requestKind(r)),
		slog.String("from", r.contact.URI),
		slog.Int("priority", r.priority))
}

// autoAnswer принимает запрос по таймеру. Для уже решенного запроса
// таймер — пустая операция.
func (m *Manager) autoAnswer(r *IncomingRequest) {
	if err := m.resolveRequest(r, DecisionAuto, nil); err != nil {
		m.log.Warn("автоответ не удался",
			slog.String("request_id", r.id),
			slog.String("error", err.Error()))
	}
}

// AcceptRequest принимает запрос: новый вызов — с предложенным набором
// потоков или его подмножеством kinds, предложение потоков — через
// AcceptProposal сессии, передачу файла — через ее Accept.
func (m *Manager) AcceptRequest(r *IncomingRequest, kinds ...engine.StreamKind) error {
	return m.resolveRequest(r, DecisionAccepted, kinds)
}

// RejectRequest отклоняет запрос (603 Decline).
func (m *Manager) RejectRequest(r *IncomingRequest) error {
	return m.resolveRequest(r, DecisionRejected, nil)
}

// BusyRequest отклоняет запрос как занято (486 Busy Here).
func (m *Manager) BusyRequest(r *IncomingRequest) error {
	return m.resolveRequest(r, DecisionBusy, nil)
}

func (m *Manager) resolveRequest(r *IncomingRequest, d Decision, kinds []engine.StreamKind) error {
	if r == nil {
		return NewError(ErrorCodeUnknownRequest, "пустой запрос")
	}
	m.mu.Lock()
	if r.resolved {
		m.mu.Unlock()
		return NewError(ErrorCodeRequestResolved, "запрос уже решен: "+string(r.decision))
	}
	idx := m.queueIndexLocked(r)
	if idx < 0 {
		m.mu.Unlock()
		return NewError(ErrorCodeUnknownRequest, "запрос не в очереди")
	}
	m.dequeueLocked(idx, r, d)
	var next *IncomingRequest
	if idx == 0 && len(m.queue) > 0 {
		next = m.queue[0]
	}
	m.mu.Unlock()

	// Операция подопечного выполняется вне мьютекса менеджера.
	err := m.applyDecision(r, d, kinds)

	m.notify(RequestResolvedNotification{r, d})
	if next != nil {
		m.notify(RequestActivatedNotification{next})
	}
	observeDecision(requestKind(r), d)
	m.updateRingtone()
	return err
}

func (m *Manager) applyDecision(r *IncomingRequest, d Decision, kinds []engine.StreamKind) error {
	accept := d == DecisionAccepted || d == DecisionAuto
	rejectCode := 603
	if d == DecisionBusy {
		rejectCode = 486
	}
	switch {
	case r.transfer != nil:
		if accept {
			return r.transfer.Accept()
		}
		return r.transfer.Reject(rejectCode)
	case r.proposal:
		if accept {
			return r.session.AcceptProposal(kinds...)
		}
		return r.session.RejectProposal()
	default:
		if accept {
			return r.session.Accept(kinds...)
		}
		return r.session.Reject(rejectCode)
	}
}

// cancelRequestFor снимает с очереди запрос владельца, завершившегося
// до решения.
func (m *Manager) cancelRequestFor(id string) {
	m.mu.Lock()
	var r *IncomingRequest
	idx := -1
	for i, q := range m.queue {
		if q.id == id {
			r, idx = q, i
			break
		}
	}
	if r == nil {
		m.mu.Unlock()
		return
	}
	m.dequeueLocked(idx, r, DecisionCancelled)
	var next *IncomingRequest
	if idx == 0 && len(m.queue) > 0 {
		next = m.queue[0]
	}
	m.mu.Unlock()

	m.notify(RequestResolvedNotification{r, DecisionCancelled})
	if next != nil {
		m.notify(RequestActivatedNotification{next})
	}
	observeDecision(requestKind(r), DecisionCancelled)
}

func (m *Manager) queueIndexLocked(r *IncomingRequest) int {
	for i, q := range m.queue {
		if q == r {
			return i
		}
	}
	return -1
}

// dequeueLocked помечает запрос решенным и убирает его из очереди.
func (m *Manager) dequeueLocked(idx int, r *IncomingRequest, d Decision) {
	r.resolved = true
	r.decision = d
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	m.queue = append(m.queue[:idx], m.queue[idx+1:]...)
}

// --- Создание исходящих ---

// CreateSession возвращает сессию для исходящего вызова target с
// потоками kinds: простаивающая сессия того же контакта
// переиспользуется, иначе создается новая. При connect установление
// начинается немедленно.
func (m *Manager) CreateSession(account session.Account, target string, kinds []engine.StreamKind, connect bool) (*session.Session, error) {
	if account.ID == "" {
		account = m.cfg.Account
	}
	contact := m.cfg.Contacts.Lookup(target)
	if contact.URI == "" {
		return nil, NewError(ErrorCodeInvalidInput, "пустая цель вызова")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, NewError(ErrorCodeClosed, "менеджер закрыт")
	}
	s := m.reusableSessionLocked(contact)
	fresh := s == nil
	if fresh {
		var err error
		s, err = session.New(session.Config{
			Engine:         m.cfg.Engine,
			Resolver:       m.cfg.Resolver,
			Notify:         m.onSessionNotification,
			Logger:         m.cfg.Logger,
			ResolveTimeout: m.cfg.ResolveTimeout,
		})
		if err != nil {
			m.mu.Unlock()
			return nil, errors.Wrap(err, "создание сессии")
		}
		m.sessions = append(m.sessions, s)
	}
	m.mu.Unlock()
	if fresh {
		sessionsRegistered.Inc()
	}

	descs := make([]engine.StreamDescriptor, 0, len(kinds))
	for _, k := range kinds {
		descs = append(descs, engine.StreamDescriptor{Kind: k})
	}
	if err := s.InitOutgoing(account, contact, contact.URI, descs); err != nil {
		if fresh {
			m.removeSession(s)
		}
		return nil, err
	}
	if connect {
		if err := s.Connect(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// reusableSessionLocked находит простаивающую сессию контакта:
// состояние None, initialized или ended, удаление не запрошено.
func (m *Manager) reusableSessionLocked(contact contacts.Contact) *session.Session {
	for _, s := range m.sessions {
		if s.PendingDeletion() {
			continue
		}
		if !s.State().In("None", "initialized", "ended") {
			continue
		}
		if s.Contact().URI == contact.URI {
			return s
		}
	}
	return nil
}

// CreateTransfer возвращает передачу файла path контакту target:
// простаивающая передача того же контакта и файла переиспользуется,
// иначе создается новая. При connect отправка начинается немедленно.
func (m *Manager) CreateTransfer(account session.Account, target, path string, connect bool) (*transfer.Transfer, error) {
	if account.ID == "" {
		account = m.cfg.Account
	}
	contact := m.cfg.Contacts.Lookup(target)
	if contact.URI == "" {
		return nil, NewError(ErrorCodeInvalidInput, "пустая цель передачи")
	}
	if path == "" {
		return nil, NewError(ErrorCodeInvalidInput, "пустой путь файла")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, NewError(ErrorCodeClosed, "менеджер закрыт")
	}
	t := m.reusableTransferLocked(contact, path)
	fresh := t == nil
	if fresh {
		var err error
		t, err = transfer.New(transfer.Config{
			Engine:         m.cfg.Engine,
			Resolver:       m.cfg.Resolver,
			Notify:         m.onTransferNotification,
			Logger:         m.cfg.Logger,
			ResolveTimeout: m.cfg.ResolveTimeout,
			KeyRing:        m.cfg.KeyRing,
			PGPMaxSize:     m.cfg.PGPMaxSize,
		})
		if err != nil {
			m.mu.Unlock()
			return nil, errors.Wrap(err, "создание передачи")
		}
		m.transfers = append(m.transfers, t)
	}
	m.mu.Unlock()

	if err := t.InitOutgoing(account, contact, contact.URI, path); err != nil {
		if fresh {
			m.removeTransfer(t)
		}
		return nil, err
	}
	if connect {
		if err := t.Connect(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// reusableTransferLocked находит простаивающую передачу того же
// контакта и файла.
func (m *Manager) reusableTransferLocked(contact contacts.Contact, path string) *transfer.Transfer {
	for _, t := range m.transfers {
		if !t.State().In("None", "initialized", "ended") {
			continue
		}
		if t.Contact().URI != contact.URI {
			continue
		}
		if sel := t.Selector(); sel != nil && sel.Path == path {
			return t
		}
	}
	return nil
}

// --- Реестр и снимки ---

func (m *Manager) register(s *session.Session) {
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()
	sessionsRegistered.Inc()
}

// removeSession убирает сессию из реестра и сбрасывает активную,
// если удалена именно она.
func (m *Manager) removeSession(s *session.Session) {
	m.mu.Lock()
	removed := false
	for i, cur := range m.sessions {
		if cur == s {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			removed = true
			break
		}
	}
	cleared := m.active == s
	if cleared {
		m.active = nil
	}
	m.mu.Unlock()

	if removed {
		sessionsRegistered.Dec()
	}
	if cleared {
		m.notify(ActiveSessionChangedNotification{s, nil})
	}
}

func (m *Manager) removeTransfer(t *transfer.Transfer) {
	m.mu.Lock()
	for i, cur := range m.transfers {
		if cur == t {
			m.transfers = append(m.transfers[:i], m.transfers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// Sessions возвращает снимок реестра сессий в порядке создания.
func (m *Manager) Sessions() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, len(m.sessions))
	copy(out, m.sessions)
	return out
}

// Transfers возвращает снимок реестра передач в порядке создания.
func (m *Manager) Transfers() []*transfer.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*transfer.Transfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}

// Requests возвращает снимок очереди входящих: голова — первой.
func (m *Manager) Requests() []*IncomingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*IncomingRequest, len(m.queue))
	copy(out, m.queue)
	return out
}

// History возвращает журнал передач или nil, если журнал отключен.
func (m *Manager) History() *transfer.History { return m.history }

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// --- Активная сессия ---

// Active возвращает активную сессию или nil.
func (m *Manager) Active() *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetActive делает сессию активной: она (или вся ее клиентская
// конференция) снимается с удержания, прежняя активная ставится на
// удержание, если обе не состоят в одной конференции. SetActive(nil)
// сбрасывает активную сессию, не трогая удержание.
func (m *Manager) SetActive(s *session.Session) {
	m.mu.Lock()
	prev := m.active
	if prev == s {
		m.mu.Unlock()
		return
	}
	m.active = s
	m.mu.Unlock()

	if s != nil {
		sameConference := prev != nil &&
			prev.ClientConference() != nil &&
			prev.ClientConference() == s.ClientConference()
		if conf := s.ClientConference(); conf != nil {
			conf.Unhold()
		} else {
			s.Unhold()
		}
		if prev != nil && !sameConference {
			if conf := prev.ClientConference(); conf != nil {
				conf.Hold()
			} else {
				prev.Hold()
			}
		}
	}
	m.notify(ActiveSessionChangedNotification{prev, s})
}

// clearActive сбрасывает активную сессию, если ею была s.
func (m *Manager) clearActive(s *session.Session) {
	m.mu.Lock()
	if m.active != s {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.mu.Unlock()
	m.notify(ActiveSessionChangedNotification{s, nil})
}

// --- Арбитраж сигналов ---

// updateRingtone пересчитывает арбитраж от текущего снимка и применяет
// итог, только если он изменился.
func (m *Manager) updateRingtone() {
	m.mu.Lock()
	t := computeTones(m.sessions, len(m.queue))
	changed := t != m.tones
	if changed {
		m.tones = t
	}
	player := m.cfg.Tones
	m.mu.Unlock()

	if !changed {
		return
	}
	ringtoneSwitches.Inc()
	player.Apply(t)
	m.notify(TonesChangedNotification{t})
}

// Tones возвращает текущий итог арбитража сигналов.
func (m *Manager) Tones() Tones {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tones
}

// --- Обработчики уведомлений подопечных ---

// onSessionNotification — обработчик уведомлений всех сессий менеджера.
// Вызывается вне мьютекса сессии в порядке возникновения уведомлений.
func (m *Manager) onSessionNotification(n session.Notification) {
	switch e := n.(type) {
	case session.NewOutgoingNotification:
		sessionsTotal.WithLabelValues(string(session.DirectionOutgoing)).Inc()
	case session.NewIncomingNotification:
		sessionsTotal.WithLabelValues(string(session.DirectionIncoming)).Inc()
	case session.StateChangedNotification:
		observeTransition("session", e.Old.String(), e.New.String())
		m.updateRingtone()
	case session.HoldChangedNotification:
		m.updateRingtone()
	case session.ProposalReceivedNotification:
		m.enqueueProposal(e)
	case session.DidEndNotification:
		m.cancelRequestFor(e.Session.ID())
		observeSessionDuration(e.Session.Info().Duration)
		m.clearActive(e.Session)
		m.updateRingtone()
	case session.DeletedNotification:
		m.removeSession(e.Session)
	}
	if m.cfg.SessionNotify != nil {
		m.cfg.SessionNotify(n)
	}
}

// onTransferNotification — обработчик уведомлений всех передач менеджера.
func (m *Manager) onTransferNotification(n transfer.Notification) {
	switch e := n.(type) {
	case transfer.NewOutgoingNotification:
		transfersTotal.WithLabelValues(string(transfer.DirectionOutgoing)).Inc()
	case transfer.NewIncomingNotification:
		transfersTotal.WithLabelValues(string(transfer.DirectionIncoming)).Inc()
	case transfer.StateChangedNotification:
		observeTransition("transfer", e.Old.String(), e.New.String())
	case transfer.DidEndNotification:
		m.cancelRequestFor(e.Transfer.ID())
		rec := e.Transfer.Record()
		observeTransferEnd(rec)
		if m.history != nil {
			m.history.Add(rec)
			if err := m.history.Save(); err != nil {
				m.log.Warn("журнал передач не сохранен", slog.String("error", err.Error()))
			}
		}
		m.updateRingtone()
	}
	if m.cfg.TransferNotify != nil {
		m.cfg.TransferNotify(n)
	}
}

func (m *Manager) notify(n Notification) {
	if m.cfg.Notify != nil {
		m.cfg.Notify(n)
	}
}

// --- Завершение ---

// Close завершает все сессии и передачи, отменяет нерешенные запросы,
// закрывает движок и дожидается остановки цикла событий.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		select {
		case <-m.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.closed = true
	queue := m.queue
	m.queue = nil
	for _, r := range queue {
		r.resolved = true
		r.decision = DecisionCancelled
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
	}
	sessions := make([]*session.Session, len(m.sessions))
	copy(sessions, m.sessions)
	transfers := make([]*transfer.Transfer, len(m.transfers))
	copy(transfers, m.transfers)
	m.mu.Unlock()

	for _, r := range queue {
		m.notify(RequestResolvedNotification{r, DecisionCancelled})
		observeDecision(requestKind(r), DecisionCancelled)
	}
	for _, s := range sessions {
		if err := s.End(); err != nil {
			m.log.Debug("завершение сессии при остановке",
				slog.String("session_id", s.ID()),
				slog.String("error", err.Error()))
		}
	}
	for _, t := range transfers {
		if err := t.End(); err != nil {
			m.log.Debug("завершение передачи при остановке",
				slog.String("transfer_id", t.ID()),
				slog.String("error", err.Error()))
		}
	}

	if err := m.cfg.Engine.Close(ctx); err != nil {
		return errors.Wrap(err, "закрытие движка")
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Info("менеджер остановлен")
	return nil
}

// --- Разбор опций потока передачи файла ---

func stringOption(opts map[string]interface{}, key string) string {
	if opts == nil {
		return ""
	}
	v, _ := opts[key].(string)
	return v
}

func intOption(opts map[string]interface{}, key string) int64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
