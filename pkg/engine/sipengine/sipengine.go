// Package sipengine реализует контракт engine.Engine поверх SIP стека
// emiago/sipgo: сигнализация диалогов INVITE/BYE/REFER, переговоры SDP
// через pion/sdp, медиапорты UDP с опциональной оберткой DTLS и
// статистикой принятых пакетов RTP.
//
// Адаптер переводит транзакции SIP в закрытое объединение событий
// engine.Event; собственного состояния разговора он не ведет — это
// забота ядра.
package sipengine

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/call_core/pkg/engine"
)

// Config — параметры движка.
type Config struct {
	// ListenAddr — адрес SIP сигнализации вида "host:port".
	ListenAddr string
	// Transport — транспорт сигнализации: udp или tcp.
	Transport string
	// UserAgent — значение заголовка User-Agent.
	UserAgent string
	// Account — AOR локальной стороны, например "alice@example.com".
	Account string
	// DisplayName — отображаемое имя локальной стороны.
	DisplayName string

	// MediaPortMin и MediaPortMax ограничивают пул медиапортов UDP.
	MediaPortMin int
	MediaPortMax int
	// EnableDTLS включает обертку DTLS медиапотоков.
	EnableDTLS bool
	// Certificates — сертификаты для DTLS.
	Certificates []tls.Certificate
	// StatsInterval — период событий статистики потоков.
	StatsInterval time.Duration

	// Logger — логгер компонента. По умолчанию slog.Default.
	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    "127.0.0.1:5060",
		Transport:     "udp",
		UserAgent:     "CallCore/1.0",
		MediaPortMin:  20000,
		MediaPortMax:  20999,
		StatsInterval: 5 * time.Second,
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("не задан адрес сигнализации")
	}
	if c.Account == "" {
		return errors.New("не задан аккаунт")
	}
	if !strings.Contains(c.Account, "@") {
		return errors.Errorf("аккаунт %q не похож на AOR", c.Account)
	}
	if c.MediaPortMin <= 0 || c.MediaPortMax < c.MediaPortMin {
		return errors.New("некорректный диапазон медиапортов")
	}
	if c.EnableDTLS && len(c.Certificates) == 0 {
		return errors.New("DTLS включен без сертификатов")
	}
	return nil
}

// Engine — движок SIP. Реализует engine.Engine.
type Engine struct {
	cfg Config
	log *slog.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	events chan engine.Event
	ports  *portPool

	mu       sync.Mutex
	sessions map[string]*Session // ключ — Call-ID
	closed   bool

	// emitMu упорядочивает отправки событий с закрытием канала:
	// обработчики транзакций живут дольше, чем Close.
	emitMu   sync.RWMutex
	evClosed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создает движок и запускает слушатель сигнализации.
func New(cfg Config) (*Engine, error) {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MediaPortMin == 0 && cfg.MediaPortMax == 0 {
		cfg.MediaPortMin, cfg.MediaPortMax = def.MediaPortMin, def.MediaPortMax
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "конфигурация движка")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrap(err, "разбор адреса сигнализации")
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, errors.Wrap(err, "создание user agent")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "создание сервера")
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		return nil, errors.Wrap(err, "создание клиента")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		log:      logger.With(slog.String("component", "sipengine")),
		ua:       ua,
		server:   server,
		client:   client,
		events:   make(chan engine.Event, 256),
		ports:    newPortPool(cfg.MediaPortMin, cfg.MediaPortMax),
		sessions: make(map[string]*Session),
		cancel:   cancel,
	}
	e.registerHandlers()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := server.ListenAndServe(ctx, cfg.Transport, cfg.ListenAddr); err != nil && ctx.Err() == nil {
			e.log.Error("слушатель сигнализации завершился",
				slog.String("addr", cfg.ListenAddr), slog.String("error", err.Error()))
		}
	}()

	e.log.Info("движок запущен",
		slog.String("addr", cfg.ListenAddr), slog.String("account", cfg.Account))
	return e, nil
}

// Events реализует engine.Engine.
func (e *Engine) Events() <-chan engine.Event { return e.events }

// CreateSession создает исходящую сессию и отправляет INVITE.
func (e *Engine) CreateSession(ctx context.Context, req engine.SessionRequest) (engine.Session, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("движок остановлен")
	}
	e.mu.Unlock()

	account := req.Account
	if account == "" {
		account = e.cfg.Account
	}
	s, err := e.newOutgoingSession(account, req)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.sessions[s.callID] = s
	e.mu.Unlock()

	if err := s.sendInvite(ctx); err != nil {
		e.dropSession(s)
		s.releaseLegs()
		return nil, errors.Wrap(err, "отправка INVITE")
	}
	return s, nil
}

// CreateBridge реализует engine.Engine: локальный аудиомикшер.
func (e *Engine) CreateBridge(context.Context) (engine.AudioBridge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("движок остановлен")
	}
	return newBridge(e.log), nil
}

// Close завершает все сессии и останавливает движок.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		_ = s.End(ctx)
	}
	e.cancel()
	_ = e.ua.Close()
	e.wg.Wait()

	e.emitMu.Lock()
	e.evClosed = true
	close(e.events)
	e.emitMu.Unlock()

	e.log.Info("движок остановлен")
	return nil
}

// emit доставляет событие потребителю, не блокируя обработчики
// транзакций при переполнении канала. После остановки движка события
// молча отбрасываются.
func (e *Engine) emit(ev engine.Event) {
	e.emitMu.RLock()
	defer e.emitMu.RUnlock()
	if e.evClosed {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.log.Error("канал событий переполнен, событие отброшено")
	}
}

func (e *Engine) sessionByCallID(callID string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[callID]
}

func (e *Engine) dropSession(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s.callID)
	e.mu.Unlock()
}

// registerHandlers подключает обработчики входящих запросов SIP.
func (e *Engine) registerHandlers() {
	e.server.OnInvite(e.handleInvite)
	e.server.OnAck(e.handleAck)
	e.server.OnBye(e.handleBye)
	e.server.OnCancel(e.handleCancel)
	e.server.OnInfo(e.handleInfo)
	e.server.OnMessage(e.handleMessage)
	e.server.OnNotify(e.handleNotify)
	e.server.OnRefer(e.handleRefer)
	e.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})
}

// handleInvite обрабатывает новый INVITE или re-INVITE по живому диалогу.
func (e *Engine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	if s := e.sessionByCallID(callID.Value()); s != nil {
		s.handleReinvite(req, tx)
		return
	}

	// Тег To у нового диалога отсутствует; re-INVITE к неизвестному
	// диалогу отклоняется.
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
			return
		}
	}

	s, descs, err := e.newIncomingSession(req, tx)
	if err != nil {
		e.log.Error("входящий INVITE отклонен", slog.String("error", err.Error()))
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}
	e.mu.Lock()
	e.sessions[s.callID] = s
	e.mu.Unlock()

	_ = tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))

	from := req.From()
	ev := engine.IncomingSessionEvent{
		EventBase: engine.EventBase{Session: s},
		Streams:   descs,
	}
	if from != nil {
		ev.From = from.Address.String()
		ev.DisplayName = from.DisplayName
	}
	e.emit(ev)
}

func (e *Engine) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	if callID := req.CallID(); callID != nil {
		if s := e.sessionByCallID(callID.Value()); s != nil {
			s.handleAck()
		}
	}
}

func (e *Engine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	if callID := req.CallID(); callID != nil {
		if s := e.sessionByCallID(callID.Value()); s != nil {
			s.handleRemoteEnd()
		}
	}
}

func (e *Engine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	if callID := req.CallID(); callID != nil {
		if s := e.sessionByCallID(callID.Value()); s != nil {
			s.handleRemoteCancel()
		}
	}
}

// handleInfo принимает DTMF в формате application/dtmf-relay.
func (e *Engine) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	callID := req.CallID()
	if callID == nil {
		return
	}
	s := e.sessionByCallID(callID.Value())
	if s == nil {
		return
	}
	if digit, ok := parseDTMFInfo(string(req.Body())); ok {
		e.emit(engine.DTMFEvent{EventBase: engine.EventBase{Session: s}, Digit: digit})
	}
}

func (e *Engine) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	callID := req.CallID()
	if callID == nil {
		return
	}
	s := e.sessionByCallID(callID.Value())
	if s == nil {
		return
	}
	contentType := "text/plain"
	if ct := req.GetHeader("Content-Type"); ct != nil {
		contentType = ct.Value()
	}
	if isComposingIndication(contentType) {
		active, timeout := parseComposingIndication(req.Body())
		e.emit(engine.ComposingEvent{EventBase: engine.EventBase{Session: s}, Active: active, Timeout: timeout})
		return
	}
	ev := engine.MessageEvent{
		EventBase:   engine.EventBase{Session: s},
		Content:     string(req.Body()),
		ContentType: contentType,
	}
	if from := req.From(); from != nil {
		ev.Sender = from.Address.String()
	}
	e.emit(ev)
}

// handleNotify принимает прогресс перевода звонка (message/sipfrag)
// и снимки состава конференции (application/conference-info+xml).
func (e *Engine) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	callID := req.CallID()
	if callID == nil {
		return
	}
	s := e.sessionByCallID(callID.Value())
	if s == nil {
		return
	}
	contentType := ""
	if ct := req.GetHeader("Content-Type"); ct != nil {
		contentType = ct.Value()
	}
	switch {
	case strings.HasPrefix(contentType, "message/sipfrag"):
		if state, reason, ok := parseSipfrag(string(req.Body())); ok {
			e.emit(engine.CallTransferEvent{EventBase: engine.EventBase{Session: s}, State: state, Reason: reason})
		}
	case strings.HasPrefix(contentType, "application/conference-info+xml"):
		participants, err := parseConferenceInfo(req.Body())
		if err != nil {
			e.log.Error("снимок конференции не разобран", slog.String("error", err.Error()))
			return
		}
		e.emit(engine.ConferenceInfoEvent{EventBase: engine.EventBase{Session: s}, Participants: participants})
	}
}

// handleRefer подтверждает прием REFER. Самостоятельное следование
// переводу — решение ядра, адаптер только сообщает о запросе.
func (e *Engine) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 202, "Accepted", nil))
	e.log.Info("принят REFER", slog.String("refer_to", headerValue(req, "Refer-To")))
}

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

// parseDTMFInfo выделяет цифру из тела application/dtmf-relay.
func parseDTMFInfo(body string) (byte, bool) {
	for _, line := range strings.Split(body, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "Signal") {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) == 1 {
			return v[0], true
		}
	}
	return 0, false
}

// parseSipfrag разбирает статусную строку message/sipfrag из NOTIFY
// по подписке REFER (RFC 3515).
func parseSipfrag(body string) (engine.CallTransferState, string, bool) {
	line := strings.TrimSpace(body)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "SIP/2.0") {
		return "", "", false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", "", false
	}
	reason := ""
	if len(fields) == 3 {
		reason = fields[2]
	}
	switch {
	case code == 180 || code == 183:
		return engine.TransferRinging, reason, true
	case code < 200:
		return engine.TransferTrying, reason, true
	case code < 300:
		return engine.TransferSucceeded, reason, true
	default:
		return engine.TransferFailed, reason, true
	}
}

// isComposingIndication распознает индикацию набора текста (RFC 3994).
func isComposingIndication(contentType string) bool {
	return strings.HasPrefix(contentType, "application/im-iscomposing+xml")
}
