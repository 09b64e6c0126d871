package manager

import (
	"github.com/arzzra/call_core/pkg/session"
)

// ToneKind — разновидность звукового сигнала.
type ToneKind string

const (
	// ToneRingback — контроль посылки вызова для исходящих.
	ToneRingback ToneKind = "ringback"
	// ToneRinging — основной сигнал входящего запроса.
	ToneRinging ToneKind = "ringing"
	// ToneBeep — приглушенный сигнал входящего во время разговора.
	ToneBeep ToneKind = "beep"
	// ToneHoldAll звучит, когда все установленные сессии на удержании.
	ToneHoldAll ToneKind = "hold_all"
	// ToneHoldSome звучит, когда на удержании только часть сессий.
	ToneHoldSome ToneKind = "hold_some"
	// ToneNone — тишина.
	ToneNone ToneKind = ""
)

// Tones — итог арбитража: что должно звучать в каждом из трех
// независимых каналов. Нулевое значение — полная тишина.
type Tones struct {
	Outbound ToneKind
	Inbound  ToneKind
	Hold     ToneKind
}

// TonePlayer применяет итог арбитража. Вызывается вне мьютекса менеджера
// при каждой смене итога; реализация обязана быть идемпотентной и
// быстро возвращать управление.
type TonePlayer interface {
	Apply(t Tones)
}

// nopTonePlayer — проигрыватель по умолчанию: молчит.
type nopTonePlayer struct{}

func (nopTonePlayer) Apply(Tones) {}

// computeTones — чистая функция трехъярусного арбитража сигналов.
// Дважды вычисленная от одного снимка, она дает один и тот же итог.
//
// Ярус исходящих: контроль посылки вызова звучит, пока хотя бы одна
// неудержанная сессия ждет ответа удаленной стороны — звонок после
// предварительного 180 или неотвеченное локальное предложение потоков.
// Ранняя медиа контроль не включает: ее звук идет от удаленной стороны.
//
// Ярус входящих: сигнал входящего звучит при непустой очереди запросов;
// он понижается до короткого гудка, когда уже звучит контроль посылки
// вызова или есть установленный разговор.
//
// Ярус удержания: звучит только при тишине первых двух ярусов, если
// среди установленных сессий есть удержанные; вариант тона зависит от
// того, удержаны все или только часть.
func computeTones(sessions []*session.Session, queued int) Tones {
	outbound := false
	connected := 0
	held := 0
	for _, s := range sessions {
		st := s.State()
		if st.In("connecting/ringing", "connected/sent_proposal") && !s.OnHold() {
			outbound = true
		}
		if st.In("connected/*") {
			connected++
			if s.OnHold() {
				held++
			}
		}
	}

	var t Tones
	if outbound {
		t.Outbound = ToneRingback
	}
	if queued > 0 {
		if outbound || connected > 0 {
			t.Inbound = ToneBeep
		} else {
			t.Inbound = ToneRinging
		}
	}
	if t.Outbound == ToneNone && t.Inbound == ToneNone && held > 0 {
		if held == connected {
			t.Hold = ToneHoldAll
		} else {
			t.Hold = ToneHoldSome
		}
	}
	return t
}
