package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_core/pkg/contacts"
	"github.com/arzzra/call_core/pkg/engine"
	"github.com/arzzra/call_core/pkg/engine/enginetest"
	"github.com/arzzra/call_core/pkg/session"
	"github.com/arzzra/call_core/pkg/state"
)

// newToneSession доводит автономную исходящую сессию до connecting;
// дальнейшие события подаются напрямую в HandleEvent.
func newToneSession(t *testing.T, kinds ...engine.StreamKind) (*session.Session, *enginetest.Session) {
	t.Helper()
	eng := enginetest.New()
	cfg := session.DefaultConfig()
	cfg.Engine = eng
	cfg.Resolver = &stubResolver{routes: []engine.Route{testRoute()}}
	s, err := session.New(cfg)
	require.NoError(t, err)

	descs := make([]engine.StreamDescriptor, 0, len(kinds))
	for _, k := range kinds {
		descs = append(descs, engine.StreamDescriptor{Kind: k})
	}
	contact := contacts.Contact{URI: "sip:bob@example.com", DisplayName: "Bob"}
	require.NoError(t, s.InitOutgoing(testAccount(), contact, contact.URI, descs))
	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool {
		return s.State().Match(state.Parse("connecting")) && eng.LastSession() != nil
	}, waitTimeout, 5*time.Millisecond, "session must reach connecting")
	return s, eng.LastSession()
}

func ringingSession(t *testing.T) *session.Session {
	t.Helper()
	s, es := newToneSession(t, engine.StreamAudio)
	s.HandleEvent(engine.ProgressEvent{EventBase: engine.EventBase{Session: es}, Code: 180, Reason: "Ringing"})
	require.Equal(t, "connecting/ringing", s.State().String())
	return s
}

func earlyMediaSession(t *testing.T) *session.Session {
	t.Helper()
	s, es := newToneSession(t, engine.StreamAudio)
	s.HandleEvent(engine.ProgressEvent{EventBase: engine.EventBase{Session: es}, Code: 183, Reason: "Session Progress"})
	require.Equal(t, "connecting/early_media", s.State().String())
	return s
}

func connectedSession(t *testing.T) *session.Session {
	t.Helper()
	s, es := newToneSession(t, engine.StreamAudio)
	s.HandleEvent(engine.WillStartEvent{EventBase: engine.EventBase{Session: es}})
	s.HandleEvent(engine.StartedEvent{
		EventBase: engine.EventBase{Session: es},
		Streams:   []engine.Stream{enginetest.NewStream(engine.StreamAudio)},
	})
	require.Equal(t, "connected", s.State().String())
	return s
}

func TestComputeTonesArbitration(t *testing.T) {
	t.Run("тишина без сессий", func(t *testing.T) {
		assert.Equal(t, Tones{}, computeTones(nil, 0))
	})

	t.Run("контроль посылки при звонке", func(t *testing.T) {
		s := ringingSession(t)
		assert.Equal(t, Tones{Outbound: ToneRingback}, computeTones([]*session.Session{s}, 0))
	})

	t.Run("ранняя медиа без контроля", func(t *testing.T) {
		s := earlyMediaSession(t)
		assert.Equal(t, Tones{}, computeTones([]*session.Session{s}, 0))
	})

	t.Run("удержанный звонок без контроля", func(t *testing.T) {
		s := ringingSession(t)
		s.Hold()
		assert.Equal(t, Tones{}, computeTones([]*session.Session{s}, 0))
	})

	t.Run("сигнал входящего при свободной линии", func(t *testing.T) {
		assert.Equal(t, Tones{Inbound: ToneRinging}, computeTones(nil, 1))
	})

	t.Run("гудок при исходящем звонке", func(t *testing.T) {
		s := ringingSession(t)
		got := computeTones([]*session.Session{s}, 1)
		assert.Equal(t, Tones{Outbound: ToneRingback, Inbound: ToneBeep}, got)
	})

	t.Run("гудок при установленном разговоре", func(t *testing.T) {
		s := connectedSession(t)
		assert.Equal(t, Tones{Inbound: ToneBeep}, computeTones([]*session.Session{s}, 1))
	})

	t.Run("локальное предложение потоков дает контроль", func(t *testing.T) {
		s := connectedSession(t)
		require.NoError(t, s.AddStream(engine.StreamDescriptor{Kind: engine.StreamVideo}))
		require.Equal(t, "connected/sent_proposal", s.State().String())
		assert.Equal(t, Tones{Outbound: ToneRingback}, computeTones([]*session.Session{s}, 0))
	})

	t.Run("удержание всех", func(t *testing.T) {
		s := connectedSession(t)
		s.Hold()
		assert.Equal(t, Tones{Hold: ToneHoldAll}, computeTones([]*session.Session{s}, 0))
	})

	t.Run("удержание части", func(t *testing.T) {
		held := connectedSession(t)
		held.Hold()
		talking := connectedSession(t)
		got := computeTones([]*session.Session{held, talking}, 0)
		assert.Equal(t, Tones{Hold: ToneHoldSome}, got)
	})

	t.Run("сигналы приглушают удержание", func(t *testing.T) {
		s := connectedSession(t)
		s.Hold()
		assert.Equal(t, Tones{Inbound: ToneBeep}, computeTones([]*session.Session{s}, 1))
	})

	t.Run("повторное вычисление от того же снимка", func(t *testing.T) {
		snapshot := []*session.Session{ringingSession(t), connectedSession(t)}
		first := computeTones(snapshot, 2)
		second := computeTones(snapshot, 2)
		assert.Equal(t, first, second)
		assert.Equal(t, Tones{Outbound: ToneRingback, Inbound: ToneBeep}, first)
	})
}
