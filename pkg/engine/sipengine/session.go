package sipengine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/call_core/pkg/engine"
)

// byeTimeout ограничивает ожидание финального ответа на BYE.
const byeTimeout = 10 * time.Second

// Session — один диалог SIP. Реализует engine.Session.
//
// Диалог идентифицируется Call-ID; теги и целевой адрес уточняются по
// ходу установления. Экземпляр не переживает диалог: ядро создает новую
// сессию движка на каждый вызов.
type Session struct {
	e   *Engine
	log *slog.Logger

	callID   string
	isUAC    bool
	isFocus  bool
	localURI sip.Uri

	mu           sync.Mutex
	localTag     string
	remoteTag    string
	remoteTarget sip.Uri
	routeSet     []sip.Uri
	inviteReq    *sip.Request
	inviteResp   *sip.Response
	// serverTx — ожидающая ответа серверная транзакция INVITE:
	// входящий вызов до Accept/Reject либо re-INVITE до ответа
	// на предложение потоков.
	serverTx  sip.ServerTransaction
	reinvite  *sip.Request
	legs      map[engine.StreamKind]*mediaLeg
	streams   map[engine.StreamKind]*sipStream
	pending   []engine.StreamDescriptor
	held      bool
	started   bool
	finished  bool
	recording string

	cseq atomic.Uint32
}

// newOutgoingSession подготавливает UAC-сессию: медиаплечи по
// запрошенным потокам и идентичность диалога.
func (e *Engine) newOutgoingSession(account string, req engine.SessionRequest) (*Session, error) {
	localURI, err := parseAOR(account)
	if err != nil {
		return nil, err
	}
	var target sip.Uri
	if err := sip.ParseUri(req.Target, &target); err != nil {
		return nil, errors.Wrapf(err, "разбор целевого URI %q", req.Target)
	}

	s := &Session{
		e:            e,
		callID:       sip.RandString(32),
		isUAC:        true,
		isFocus:      req.IsFocus,
		localURI:     localURI,
		localTag:     sip.RandString(8),
		remoteTarget: target,
		legs:         make(map[engine.StreamKind]*mediaLeg),
		streams:      make(map[engine.StreamKind]*sipStream),
		pending:      req.Streams,
	}
	s.log = e.log.With(slog.String("call_id", s.callID))

	for _, r := range req.Routes {
		s.routeSet = append(s.routeSet, routeURI(r))
	}
	if err := s.allocateLegs(req.Streams); err != nil {
		s.releaseLegs()
		return nil, err
	}
	return s, nil
}

// newIncomingSession подготавливает UAS-сессию по принятому INVITE.
func (e *Engine) newIncomingSession(req *sip.Request, tx sip.ServerTransaction) (*Session, []engine.StreamDescriptor, error) {
	localURI, err := parseAOR(e.cfg.Account)
	if err != nil {
		return nil, nil, err
	}
	offer, err := parseSessionDescription(req.Body())
	if err != nil {
		return nil, nil, errors.Wrap(err, "разбор SDP предложения")
	}
	descs := offer.Descriptors()
	if len(descs) == 0 {
		return nil, nil, errors.New("в предложении нет поддерживаемых потоков")
	}

	s := &Session{
		e:        e,
		callID:   req.CallID().Value(),
		localURI: localURI,
		localTag: sip.RandString(8),
		legs:     make(map[engine.StreamKind]*mediaLeg),
		streams:  make(map[engine.StreamKind]*sipStream),
		pending:  descs,
	}
	s.log = e.log.With(slog.String("call_id", s.callID))
	s.inviteReq = req
	s.serverTx = tx
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			s.remoteTag = tag
		}
		s.remoteTarget = from.Address
	}
	if contact := req.Contact(); contact != nil {
		s.remoteTarget = contact.Address
	}
	return s, descs, nil
}

// ID реализует engine.Session.
func (s *Session) ID() string { return s.callID }

// allocateLegs создает медиаплечи для потоков RTP.
func (s *Session) allocateLegs(descs []engine.StreamDescriptor) error {
	for _, d := range descs {
		if !isRTPKind(d.Kind) {
			continue
		}
		if _, exists := s.legs[d.Kind]; exists {
			continue
		}
		leg, err := s.e.newMediaLeg(s, d.Kind)
		if err != nil {
			return errors.Wrapf(err, "медиаплечо %s", d.Kind)
		}
		s.legs[d.Kind] = leg
	}
	return nil
}

// releaseLegs закрывает все медиаплечи и возвращает порты в пул.
func (s *Session) releaseLegs() {
	for kind, leg := range s.legs {
		leg.close()
		delete(s.legs, kind)
	}
}

// sendInvite строит и отправляет начальный INVITE.
func (s *Session) sendInvite(ctx context.Context) error {
	s.mu.Lock()
	offer, err := s.buildLocalSDP(s.pending, s.held)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	req := s.makeRequest(sip.INVITE)
	req.SetBody(offer)
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	s.inviteReq = req
	s.mu.Unlock()

	tx, err := s.e.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return err
	}
	go s.inviteResponseLoop(tx, req, true)
	return nil
}

// inviteResponseLoop потребляет ответы на INVITE или re-INVITE.
// initial различает установление диалога и предложение потоков.
func (s *Session) inviteResponseLoop(tx sip.ClientTransaction, req *sip.Request, initial bool) {
	for res := range tx.Responses() {
		switch {
		case res.StatusCode < 200:
			if initial && (res.StatusCode == 180 || res.StatusCode == 183) {
				s.e.emit(engine.ProgressEvent{
					EventBase: engine.EventBase{Session: s},
					Code:      res.StatusCode,
					Reason:    res.Reason,
				})
			}
		case res.StatusCode < 300:
			if initial {
				s.completeOutgoing(req, res)
			} else {
				s.completeProposal(req, res)
			}
			return
		default:
			if initial {
				s.fail(res.StatusCode, res.Reason, engine.OriginatorRemote)
			} else {
				s.proposalRejected(res.StatusCode, res.Reason)
			}
			return
		}
	}
	if err := tx.Err(); err != nil {
		s.log.Debug("транзакция INVITE завершилась ошибкой", slog.String("error", err.Error()))
	}
	if initial {
		s.fail(408, "Request Timeout", engine.OriginatorRemote)
	} else {
		s.proposalRejected(408, "Request Timeout")
	}
}

// completeOutgoing завершает установление UAC-диалога по ответу 2xx.
func (s *Session) completeOutgoing(req *sip.Request, res *sip.Response) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.inviteResp = res
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			s.remoteTag = tag
		}
	}
	if contact := res.Contact(); contact != nil {
		s.remoteTarget = contact.Address
	}
	// Маршрутный набор диалога — Record-Route ответа в обратном порядке.
	s.routeSet = s.routeSet[:0]
	rrs := res.GetHeaders("Record-Route")
	for i := len(rrs) - 1; i >= 0; i-- {
		if uri, ok := parseAddressValue(rrs[i].Value()); ok {
			s.routeSet = append(s.routeSet, uri)
		}
	}

	answer, err := parseSessionDescription(res.Body())
	s.mu.Unlock()

	s.sendAck(req, res)

	if err != nil {
		s.log.Error("ответ без пригодного SDP", slog.String("error", err.Error()))
		_ = s.End(context.Background())
		s.fail(488, "Not Acceptable Here", engine.OriginatorLocal)
		return
	}
	s.e.emit(engine.WillStartEvent{EventBase: engine.EventBase{Session: s}})
	s.start(answer)
}

// start применяет удаленное описание SDP, запускает медиаплечи и
// сообщает об установлении сессии.
func (s *Session) start(remote *sessionDescription) {
	s.mu.Lock()
	streams := make([]engine.Stream, 0, len(s.pending))
	for _, d := range s.pending {
		st := &sipStream{session: s, kind: d.Kind}
		s.streams[d.Kind] = st
		streams = append(streams, st)
		if leg := s.legs[d.Kind]; leg != nil {
			if addr := remote.MediaAddr(d.Kind); addr != "" {
				leg.setRemote(addr)
			}
			leg.start()
		}
	}
	s.pending = nil
	s.started = true
	s.mu.Unlock()

	s.e.emit(engine.StartedEvent{EventBase: engine.EventBase{Session: s}, Streams: streams})
}

// sendAck подтверждает 2xx на INVITE.
func (s *Session) sendAck(req *sip.Request, res *sip.Response) {
	ack := sip.NewRequest(sip.ACK, req.Recipient)
	if from := req.From(); from != nil {
		ack.AppendHeader(sip.HeaderClone(from))
	}
	if to := res.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	}
	if callID := req.CallID(); callID != nil {
		ack.AppendHeader(sip.HeaderClone(callID))
	}
	if cseq := req.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	s.mu.Lock()
	for _, route := range s.routeSet {
		ack.AppendHeader(&sip.RouteHeader{Address: route})
	}
	s.mu.Unlock()
	if err := s.e.client.WriteRequest(ack, sipgo.ClientRequestAddVia); err != nil {
		s.log.Error("отправка ACK не удалась", slog.String("error", err.Error()))
	}
}

// Accept принимает входящую сессию с указанными потоками.
func (s *Session) Accept(descs []engine.StreamDescriptor) error {
	s.mu.Lock()
	if s.isUAC {
		s.mu.Unlock()
		return errors.New("Accept допустим только для входящей сессии")
	}
	tx := s.serverTx
	if tx == nil || s.started || s.finished {
		s.mu.Unlock()
		return errors.New("сессия не ожидает ответа")
	}
	if len(descs) > 0 {
		s.pending = descs
	}
	if err := s.allocateLegs(s.pending); err != nil {
		s.mu.Unlock()
		return err
	}
	answer, err := s.buildLocalSDP(s.pending, false)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	req := s.inviteReq
	s.serverTx = nil
	s.mu.Unlock()

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	ct := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&ct)
	res.AppendHeader(s.contactHeader())
	if to := res.To(); to != nil && to.Params != nil {
		to.Params.Add("tag", s.localTag)
	}
	if err := tx.Respond(res); err != nil {
		return errors.Wrap(err, "ответ 200 OK")
	}
	return nil
}

// handleAck завершает установление UAS-диалога.
func (s *Session) handleAck() {
	s.mu.Lock()
	if s.started || s.finished || s.isUAC {
		s.mu.Unlock()
		return
	}
	offer, err := parseSessionDescription(s.inviteReq.Body())
	s.mu.Unlock()
	if err != nil {
		s.log.Error("SDP входящего INVITE не разобран", slog.String("error", err.Error()))
		return
	}
	s.e.emit(engine.WillStartEvent{EventBase: engine.EventBase{Session: s}})
	s.start(offer)
}

// Reject отклоняет входящую сессию.
func (s *Session) Reject(code int) error {
	s.mu.Lock()
	tx := s.serverTx
	req := s.inviteReq
	s.serverTx = nil
	s.finished = true
	s.mu.Unlock()
	if tx == nil {
		return errors.New("сессия не ожидает ответа")
	}
	reason := "Decline"
	if code == 486 {
		reason = "Busy Here"
	}
	err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
	s.cleanup()
	return errors.Wrap(err, "отклонение входящей сессии")
}

// End завершает сессию: BYE для установленного диалога, CANCEL для
// неотвеченного исходящего INVITE.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	started := s.started
	s.finished = true
	if !started && !s.isUAC && s.serverTx != nil {
		// Неотвеченный входящий завершается отказом.
		tx, req := s.serverTx, s.inviteReq
		s.serverTx = nil
		s.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 480, "Temporarily Unavailable", nil))
		s.cleanup()
		s.e.emit(engine.EndedEvent{EventBase: engine.EventBase{Session: s}, Originator: engine.OriginatorLocal})
		return nil
	}
	if !started && s.isUAC {
		invite := s.inviteReq
		s.mu.Unlock()
		s.sendCancel(ctx, invite)
		s.cleanup()
		s.e.emit(engine.EndedEvent{EventBase: engine.EventBase{Session: s}, Originator: engine.OriginatorLocal})
		return nil
	}
	bye := s.makeRequest(sip.BYE)
	s.mu.Unlock()

	tx, err := s.e.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		s.cleanup()
		s.e.emit(engine.EndedEvent{EventBase: engine.EventBase{Session: s}, Originator: engine.OriginatorLocal})
		return nil
	}
	go func() {
		timer := time.NewTimer(byeTimeout)
		defer timer.Stop()
		select {
		case <-tx.Responses():
		case <-timer.C:
		}
		s.cleanup()
		s.e.emit(engine.EndedEvent{EventBase: engine.EventBase{Session: s}, Originator: engine.OriginatorLocal})
	}()
	return nil
}

// sendCancel строит CANCEL по исходному INVITE.
func (s *Session) sendCancel(ctx context.Context, invite *sip.Request) {
	if invite == nil {
		return
	}
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via := invite.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, cancel)
	maxForwards := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxForwards)
	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		cancel.AppendHeader(cseq)
	}
	cancel.SetTransport(invite.Transport())
	if _, err := s.e.client.TransactionRequest(ctx, cancel); err != nil {
		s.log.Debug("отправка CANCEL не удалась", slog.String("error", err.Error()))
	}
}

// handleRemoteEnd обрабатывает входящий BYE.
func (s *Session) handleRemoteEnd() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()
	s.cleanup()
	s.e.emit(engine.EndedEvent{EventBase: engine.EventBase{Session: s}, Originator: engine.OriginatorRemote})
}

// handleRemoteCancel обрабатывает CANCEL неотвеченного входящего.
func (s *Session) handleRemoteCancel() {
	s.mu.Lock()
	if s.finished || s.started {
		s.mu.Unlock()
		return
	}
	s.finished = true
	tx, req := s.serverTx, s.inviteReq
	s.serverTx = nil
	s.mu.Unlock()
	if tx != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 487, "Request Terminated", nil))
	}
	s.cleanup()
	s.fail(487, "Call cancelled", engine.OriginatorRemote)
}

// fail сообщает о неудаче сессии ровно один раз.
func (s *Session) fail(code int, reason string, originator engine.Originator) {
	s.mu.Lock()
	already := s.finished && code != 487
	s.finished = true
	s.mu.Unlock()
	if already {
		return
	}
	s.cleanup()
	s.e.emit(engine.FailedEvent{
		EventBase:  engine.EventBase{Session: s},
		Code:       code,
		Reason:     reason,
		Originator: originator,
	})
}

// cleanup освобождает медиаресурсы и вычеркивает сессию из движка.
func (s *Session) cleanup() {
	s.mu.Lock()
	s.releaseLegs()
	s.mu.Unlock()
	s.e.dropSession(s)
}

// Transfer переводит звонок: REFER с Refer-To и, при attended-переводе,
// с параметром Replaces заменяемого диалога.
func (s *Session) Transfer(target string, replaced engine.Session) error {
	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return errors.Wrapf(err, "разбор цели перевода %q", target)
	}
	referTo := "<" + targetURI.String()
	if replaced != nil {
		rs, ok := replaced.(*Session)
		if !ok {
			return errors.New("заменяемая сессия принадлежит другому движку")
		}
		rs.mu.Lock()
		referTo += "?Replaces=" + rs.callID + "%3Bto-tag%3D" + rs.remoteTag + "%3Bfrom-tag%3D" + rs.localTag
		rs.mu.Unlock()
	}
	referTo += ">"

	s.mu.Lock()
	if !s.started || s.finished {
		s.mu.Unlock()
		return errors.New("перевод возможен только в установленной сессии")
	}
	req := s.makeRequest(sip.REFER)
	s.mu.Unlock()
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+s.localURI.String()+">"))

	_, err := s.e.client.TransactionRequest(context.Background(), req, sipgo.ClientRequestAddVia)
	return errors.Wrap(err, "отправка REFER")
}

// ProposeStreams отправляет re-INVITE с изменением набора потоков.
func (s *Session) ProposeStreams(add, remove []engine.StreamDescriptor) error {
	s.mu.Lock()
	if !s.started || s.finished {
		s.mu.Unlock()
		return errors.New("предложение потоков возможно только в установленной сессии")
	}
	next := s.currentDescriptors()
	for _, d := range remove {
		next = removeDescriptor(next, d.Kind)
	}
	for _, d := range add {
		next = append(next, d)
	}
	if err := s.allocateLegs(next); err != nil {
		s.mu.Unlock()
		return err
	}
	offer, err := s.buildLocalSDP(next, s.held)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.pending = next
	req := s.makeRequest(sip.INVITE)
	s.mu.Unlock()

	req.SetBody(offer)
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)

	tx, err := s.e.client.TransactionRequest(context.Background(), req, sipgo.ClientRequestAddVia)
	if err != nil {
		return errors.Wrap(err, "отправка re-INVITE")
	}
	go s.inviteResponseLoop(tx, req, false)
	return nil
}

// completeProposal применяет принятый re-INVITE.
func (s *Session) completeProposal(req *sip.Request, res *sip.Response) {
	s.sendAck(req, res)
	answer, err := parseSessionDescription(res.Body())
	if err != nil {
		s.proposalRejected(488, "Not Acceptable Here")
		return
	}

	s.mu.Lock()
	streams := s.applyDescriptorsLocked(s.pending, answer)
	s.pending = nil
	s.mu.Unlock()

	s.e.emit(engine.ProposalAnsweredEvent{
		EventBase: engine.EventBase{Session: s},
		Answer:    engine.ProposalAccepted,
		Streams:   streams,
	})
}

func (s *Session) proposalRejected(code int, reason string) {
	s.mu.Lock()
	s.pending = nil
	streams := make([]engine.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	answer := engine.ProposalRejected
	if code >= 500 || code == 408 {
		answer = engine.ProposalFailed
	}
	s.e.emit(engine.ProposalAnsweredEvent{
		EventBase: engine.EventBase{Session: s},
		Answer:    answer,
		Streams:   streams,
		Reason:    fmt.Sprintf("%d %s", code, reason),
	})
}

// applyDescriptorsLocked приводит потоки и плечи к набору descs.
// Возвращает полный список активных потоков. Вызывается под s.mu.
func (s *Session) applyDescriptorsLocked(descs []engine.StreamDescriptor, remote *sessionDescription) []engine.Stream {
	want := make(map[engine.StreamKind]bool, len(descs))
	for _, d := range descs {
		want[d.Kind] = true
	}
	for kind := range s.streams {
		if !want[kind] {
			delete(s.streams, kind)
			if leg := s.legs[kind]; leg != nil {
				leg.close()
				delete(s.legs, kind)
			}
		}
	}
	streams := make([]engine.Stream, 0, len(descs))
	for _, d := range descs {
		st := s.streams[d.Kind]
		if st == nil {
			st = &sipStream{session: s, kind: d.Kind}
			s.streams[d.Kind] = st
		}
		streams = append(streams, st)
		if leg := s.legs[d.Kind]; leg != nil {
			if remote != nil {
				if addr := remote.MediaAddr(d.Kind); addr != "" {
					leg.setRemote(addr)
				}
			}
			leg.start()
		}
	}
	return streams
}

// handleReinvite обрабатывает re-INVITE по установленному диалогу:
// смену направления (удержание) или встречное предложение потоков.
func (s *Session) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	offer, err := parseSessionDescription(req.Body())
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	s.mu.Lock()
	if !s.started || s.finished {
		s.mu.Unlock()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 491, "Request Pending", nil))
		return
	}
	current := s.currentDescriptors()
	add, remove := diffDescriptors(current, offer.Descriptors())

	if len(add) == 0 && len(remove) == 0 {
		// Набор не изменился: это смена направления — удержание.
		answer, err := s.buildLocalSDP(current, s.held)
		s.mu.Unlock()
		if err != nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
			return
		}
		res := sip.NewResponseFromRequest(req, 200, "OK", answer)
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
		res.AppendHeader(s.contactHeader())
		_ = tx.Respond(res)
		s.e.emit(engine.HoldEvent{
			EventBase:  engine.EventBase{Session: s},
			Originator: engine.OriginatorRemote,
			On:         offer.OnHold(),
		})
		return
	}

	s.serverTx = tx
	s.reinvite = req
	s.mu.Unlock()
	s.e.emit(engine.ProposalEvent{
		EventBase: engine.EventBase{Session: s},
		Add:       add,
		Remove:    remove,
	})
}

// AcceptProposal принимает встречное предложение потоков.
func (s *Session) AcceptProposal(descs []engine.StreamDescriptor) error {
	s.mu.Lock()
	tx, req := s.serverTx, s.reinvite
	if tx == nil || req == nil {
		s.mu.Unlock()
		return errors.New("нет ожидающего предложения потоков")
	}
	s.serverTx, s.reinvite = nil, nil

	offer, err := parseSessionDescription(req.Body())
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "разбор SDP предложения")
	}
	if len(descs) == 0 {
		descs = offer.Descriptors()
	}
	if err := s.allocateLegs(descs); err != nil {
		s.mu.Unlock()
		return err
	}
	answer, err := s.buildLocalSDP(descs, s.held)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	streams := s.applyDescriptorsLocked(descs, offer)
	s.mu.Unlock()

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	ct := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&ct)
	res.AppendHeader(s.contactHeader())
	if err := tx.Respond(res); err != nil {
		return errors.Wrap(err, "ответ на re-INVITE")
	}
	s.e.emit(engine.ProposalAnsweredEvent{
		EventBase: engine.EventBase{Session: s},
		Answer:    engine.ProposalAccepted,
		Streams:   streams,
	})
	return nil
}

// RejectProposal отклоняет встречное предложение потоков.
func (s *Session) RejectProposal() error {
	s.mu.Lock()
	tx, req := s.serverTx, s.reinvite
	s.serverTx, s.reinvite = nil, nil
	streams := make([]engine.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	if tx == nil || req == nil {
		return errors.New("нет ожидающего предложения потоков")
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil)); err != nil {
		return errors.Wrap(err, "отклонение re-INVITE")
	}
	s.e.emit(engine.ProposalAnsweredEvent{
		EventBase: engine.EventBase{Session: s},
		Answer:    engine.ProposalRejected,
		Streams:   streams,
	})
	return nil
}

// Hold переводит сессию на удержание через re-INVITE sendonly.
func (s *Session) Hold() error { return s.setHold(true) }

// Unhold снимает сессию с удержания.
func (s *Session) Unhold() error { return s.setHold(false) }

func (s *Session) setHold(on bool) error {
	s.mu.Lock()
	if !s.started || s.finished {
		s.mu.Unlock()
		return errors.New("удержание возможно только в установленной сессии")
	}
	if s.held == on {
		s.mu.Unlock()
		return nil
	}
	s.held = on
	current := s.currentDescriptors()
	offer, err := s.buildLocalSDP(current, on)
	if err != nil {
		s.held = !on
		s.mu.Unlock()
		return err
	}
	req := s.makeRequest(sip.INVITE)
	s.mu.Unlock()

	req.SetBody(offer)
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)

	tx, err := s.e.client.TransactionRequest(context.Background(), req, sipgo.ClientRequestAddVia)
	if err != nil {
		s.mu.Lock()
		s.held = !on
		s.mu.Unlock()
		return errors.Wrap(err, "отправка re-INVITE удержания")
	}
	go s.holdResponseLoop(tx, req, on)
	return nil
}

func (s *Session) holdResponseLoop(tx sip.ClientTransaction, req *sip.Request, on bool) {
	for res := range tx.Responses() {
		switch {
		case res.StatusCode < 200:
		case res.StatusCode < 300:
			s.sendAck(req, res)
			s.e.emit(engine.HoldEvent{
				EventBase:  engine.EventBase{Session: s},
				Originator: engine.OriginatorLocal,
				On:         on,
			})
			return
		default:
			s.mu.Lock()
			s.held = !on
			s.mu.Unlock()
			s.log.Debug("re-INVITE удержания отклонен", slog.Int("code", res.StatusCode))
			return
		}
	}
}

// SendDTMF отправляет цифру методом INFO (application/dtmf-relay).
func (s *Session) SendDTMF(digit byte) error {
	s.mu.Lock()
	if !s.started || s.finished {
		s.mu.Unlock()
		return errors.New("DTMF возможен только в установленной сессии")
	}
	req := s.makeRequest(sip.INFO)
	s.mu.Unlock()

	body := fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", digit)
	req.SetBody([]byte(body))
	ct := sip.ContentTypeHeader("application/dtmf-relay")
	req.AppendHeader(&ct)

	_, err := s.e.client.TransactionRequest(context.Background(), req, sipgo.ClientRequestAddVia)
	return errors.Wrap(err, "отправка INFO")
}

// MuteStream приостанавливает или возобновляет передачу потока.
func (s *Session) MuteStream(kind engine.StreamKind, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	leg := s.legs[kind]
	if leg == nil {
		return errors.Errorf("нет медиаплеча потока %s", kind)
	}
	leg.setMuted(muted)
	return nil
}

// StartRecording включает запись принимаемого аудио в файл path.
func (s *Session) StartRecording(path string) error {
	s.mu.Lock()
	leg := s.legs[engine.StreamAudio]
	if leg == nil {
		s.mu.Unlock()
		return errors.New("нет аудиопотока для записи")
	}
	s.recording = path
	s.mu.Unlock()
	if err := leg.startRecording(path); err != nil {
		return err
	}
	s.e.emit(engine.RecordingEvent{EventBase: engine.EventBase{Session: s}, Active: true, Path: path})
	return nil
}

// StopRecording останавливает запись аудио.
func (s *Session) StopRecording() error {
	s.mu.Lock()
	leg := s.legs[engine.StreamAudio]
	path := s.recording
	s.recording = ""
	s.mu.Unlock()
	if leg != nil {
		leg.stopRecording()
	}
	s.e.emit(engine.RecordingEvent{EventBase: engine.EventBase{Session: s}, Active: false, Path: path})
	return nil
}

// Streams возвращает активные потоки сессии.
func (s *Session) Streams() []engine.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	return out
}

// AddParticipant просит фокус добавить участника: REFER к фокусу.
func (s *Session) AddParticipant(uri string) error {
	return s.referParticipant(uri, false)
}

// RemoveParticipant просит фокус исключить участника.
func (s *Session) RemoveParticipant(uri string) error {
	return s.referParticipant(uri, true)
}

func (s *Session) referParticipant(uri string, remove bool) error {
	if !s.isFocus {
		return errors.New("сессия не является конференцией фокуса")
	}
	var target sip.Uri
	if err := sip.ParseUri(uri, &target); err != nil {
		return errors.Wrapf(err, "разбор URI участника %q", uri)
	}
	s.mu.Lock()
	if !s.started || s.finished {
		s.mu.Unlock()
		return errors.New("конференция не установлена")
	}
	req := s.makeRequest(sip.REFER)
	s.mu.Unlock()

	referTo := "<" + target.String()
	if remove {
		referTo += "?method=BYE"
	}
	referTo += ">"
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))

	_, err := s.e.client.TransactionRequest(context.Background(), req, sipgo.ClientRequestAddVia)
	return errors.Wrap(err, "отправка REFER фокусу")
}

// currentDescriptors возвращает дескрипторы активных потоков.
// Вызывается под s.mu.
func (s *Session) currentDescriptors() []engine.StreamDescriptor {
	descs := make([]engine.StreamDescriptor, 0, len(s.streams))
	for kind := range s.streams {
		descs = append(descs, engine.StreamDescriptor{Kind: kind})
	}
	return descs
}

// makeRequest строит запрос в рамках диалога. Вызывается под s.mu.
func (s *Session) makeRequest(method sip.RequestMethod) *sip.Request {
	target := s.remoteTarget
	req := sip.NewRequest(method, target)

	from := &sip.FromHeader{
		DisplayName: s.e.cfg.DisplayName,
		Address:     s.localURI,
		Params:      sip.NewParams().Add("tag", s.localTag),
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: target}
	if s.remoteTag != "" {
		to.Params = sip.NewParams().Add("tag", s.remoteTag)
	}
	req.AppendHeader(to)

	req.AppendHeader(s.contactHeader())
	callID := sip.CallIDHeader(s.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.cseq.Add(1), MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	if s.isFocus && method == sip.INVITE {
		req.AppendHeader(sip.NewHeader("Supported", "replaces, isfocus"))
	}
	for _, route := range s.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	return req
}

// contactHeader — локальный Contact из адреса сигнализации.
func (s *Session) contactHeader() *sip.ContactHeader {
	host, portStr, err := net.SplitHostPort(s.e.cfg.ListenAddr)
	if err != nil {
		host, portStr = "127.0.0.1", "5060"
	}
	port, _ := strconv.Atoi(portStr)
	return &sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: s.localURI.User, Host: host, Port: port},
	}
}

// sipStream — дескриптор потока. Реализует engine.Stream; для
// chat-потока — и engine.ChatSender поверх метода MESSAGE.
type sipStream struct {
	session *Session
	kind    engine.StreamKind
	closed  atomic.Bool
}

func (st *sipStream) Kind() engine.StreamKind { return st.kind }

func (st *sipStream) Close() error {
	st.closed.Store(true)
	return nil
}

// SendMessage отправляет сообщение chat-потока методом MESSAGE.
func (st *sipStream) SendMessage(content, contentType string) (string, error) {
	if st.kind != engine.StreamChat && st.kind != engine.StreamMessages {
		return "", errors.Errorf("поток %s не передает сообщения", st.kind)
	}
	if st.closed.Load() {
		return "", errors.New("поток закрыт")
	}
	s := st.session
	s.mu.Lock()
	if !s.started || s.finished {
		s.mu.Unlock()
		return "", errors.New("сессия не установлена")
	}
	req := s.makeRequest(sip.MESSAGE)
	s.mu.Unlock()

	if contentType == "" {
		contentType = "text/plain"
	}
	req.SetBody([]byte(content))
	ct := sip.ContentTypeHeader(contentType)
	req.AppendHeader(&ct)

	if _, err := s.e.client.TransactionRequest(context.Background(), req, sipgo.ClientRequestAddVia); err != nil {
		return "", errors.Wrap(err, "отправка MESSAGE")
	}
	cseq := req.CSeq()
	return fmt.Sprintf("%s-%d", s.callID, cseq.SeqNo), nil
}

// SendComposing сигнализирует набор текста (RFC 3994).
func (st *sipStream) SendComposing(active bool) error {
	state := "idle"
	if active {
		state = "active"
	}
	body := "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n" +
		"<isComposing xmlns=\"urn:ietf:params:xml:ns:im-iscomposing\">" +
		"<state>" + state + "</state><refresh>60</refresh></isComposing>"
	s := st.session
	s.mu.Lock()
	if !s.started || s.finished {
		s.mu.Unlock()
		return errors.New("сессия не установлена")
	}
	req := s.makeRequest(sip.MESSAGE)
	s.mu.Unlock()
	req.SetBody([]byte(body))
	ct := sip.ContentTypeHeader("application/im-iscomposing+xml")
	req.AppendHeader(&ct)
	_, err := s.e.client.TransactionRequest(context.Background(), req, sipgo.ClientRequestAddVia)
	return errors.Wrap(err, "отправка индикации набора")
}

// parseAOR разбирает "user@host" или полный SIP URI в sip.Uri.
func parseAOR(aor string) (sip.Uri, error) {
	raw := aor
	if !strings.HasPrefix(strings.ToLower(raw), "sip:") && !strings.HasPrefix(strings.ToLower(raw), "sips:") {
		raw = "sip:" + raw
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(err, "разбор AOR %q", aor)
	}
	return uri, nil
}

// routeURI строит URI шага маршрутизации из резолвленного маршрута.
func routeURI(r engine.Route) sip.Uri {
	uri := sip.Uri{Scheme: "sip", Host: r.Host, Port: r.Port}
	params := sip.NewParams().Add("lr", "")
	if r.Transport != "" && r.Transport != "udp" {
		params = params.Add("transport", r.Transport)
	}
	uri.UriParams = params
	return uri
}

// parseAddressValue выделяет URI из значения адресного заголовка,
// отбрасывая отображаемое имя и угловые скобки.
func parseAddressValue(value string) (sip.Uri, bool) {
	v := strings.TrimSpace(value)
	if open := strings.Index(v, "<"); open >= 0 {
		if closing := strings.Index(v[open:], ">"); closing > 0 {
			v = v[open+1 : open+closing]
		}
	}
	var uri sip.Uri
	if err := sip.ParseUri(v, &uri); err != nil {
		return sip.Uri{}, false
	}
	return uri, true
}

// removeDescriptor возвращает descs без потока типа kind.
func removeDescriptor(descs []engine.StreamDescriptor, kind engine.StreamKind) []engine.StreamDescriptor {
	out := descs[:0]
	for _, d := range descs {
		if d.Kind != kind {
			out = append(out, d)
		}
	}
	return out
}

// diffDescriptors сравнивает текущий и предложенный наборы потоков.
func diffDescriptors(current, proposed []engine.StreamDescriptor) (add, remove []engine.StreamDescriptor) {
	have := make(map[engine.StreamKind]bool, len(current))
	for _, d := range current {
		have[d.Kind] = true
	}
	want := make(map[engine.StreamKind]bool, len(proposed))
	for _, d := range proposed {
		want[d.Kind] = true
		if !have[d.Kind] {
			add = append(add, d)
		}
	}
	for _, d := range current {
		if !want[d.Kind] {
			remove = append(remove, d)
		}
	}
	return add, remove
}
