package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_core/pkg/engine"
	"github.com/arzzra/call_core/pkg/engine/enginetest"
)

func newTestConference(t *testing.T, eng *enginetest.Engine) (*ClientConference, *enginetest.Bridge) {
	t.Helper()
	bridge, err := eng.CreateBridge(context.Background())
	require.NoError(t, err)
	return NewClientConference(bridge, nil), bridge.(*enginetest.Bridge)
}

func TestConferenceMirrorsAudioExactlyOnce(t *testing.T) {
	resolver := newStubResolver(engine.Route{Host: "10.0.0.1", Port: 5060})
	s1, eng, _ := newTestSession(t, resolver)
	connectSession(t, s1, eng, audioDesc())
	s2, eng2, _ := newTestSession(t, resolver)
	connectSession(t, s2, eng2, audioDesc())

	conf, bridge := newTestConference(t, eng)
	require.NoError(t, conf.AddSession(s1))
	require.NoError(t, conf.AddSession(s2))

	assert.Equal(t, 2, bridge.StreamCount())
	assert.Same(t, conf, s1.ClientConference())
	assert.Same(t, conf, s2.ClientConference())

	// Повторное добавление отклоняется
	err := conf.AddSession(s1)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrorCodeParticipantExists, serr.Code)
	assert.Equal(t, 2, bridge.StreamCount())
}

func TestConferenceMirrorsLateAudio(t *testing.T) {
	// Участник без аудио получает его позже через переговоры: зеркало
	// появляется в момент подтверждения потока
	resolver := newStubResolver(engine.Route{Host: "10.0.0.1", Port: 5060})
	s1, eng, _ := newTestSession(t, resolver)
	connectSession(t, s1, eng, audioDesc())
	s2, eng2, _ := newTestSession(t, resolver)
	es2 := connectSession(t, s2, eng2, chatDesc())

	conf, bridge := newTestConference(t, eng)
	require.NoError(t, conf.AddSession(s1))
	require.NoError(t, conf.AddSession(s2))
	assert.Equal(t, 1, bridge.StreamCount(), "chat-only session has nothing to mirror")

	require.NoError(t, s2.AddStream(audioDesc()))
	s2.HandleEvent(engine.ProposalAnsweredEvent{
		EventBase: engine.EventBase{Session: es2},
		Answer:    engine.ProposalAccepted,
		Streams: []engine.Stream{
			enginetest.NewStream(engine.StreamChat),
			enginetest.NewStream(engine.StreamAudio),
		},
	})
	assert.Equal(t, 2, bridge.StreamCount())
}

func TestConferenceDissolution(t *testing.T) {
	// Конференция на двоих, потерявшая участника, распускается целиком:
	// оба бывших участника без конференции, конференция из одного
	// участника невозможна
	resolver := newStubResolver(engine.Route{Host: "10.0.0.1", Port: 5060})
	s1, eng, _ := newTestSession(t, resolver)
	connectSession(t, s1, eng, audioDesc())
	s2, eng2, _ := newTestSession(t, resolver)
	connectSession(t, s2, eng2, audioDesc())

	conf, bridge := newTestConference(t, eng)
	require.NoError(t, conf.AddSession(s1))
	require.NoError(t, conf.AddSession(s2))

	require.NoError(t, conf.RemoveSession(s1))

	assert.Nil(t, s1.ClientConference())
	assert.Nil(t, s2.ClientConference())
	assert.True(t, conf.Dissolved())
	assert.True(t, bridge.Closed())
	assert.Zero(t, bridge.StreamCount())
	assert.Empty(t, conf.Sessions())

	// Распущенная конференция не принимает новых участников
	err := conf.AddSession(s1)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrorCodeConferenceUnavailable, serr.Code)
}

func TestConferenceThreeMembersSurvivesOneLeaving(t *testing.T) {
	resolver := newStubResolver(engine.Route{Host: "10.0.0.1", Port: 5060})
	sessions := make([]*Session, 3)
	var conf *ClientConference
	var bridge *enginetest.Bridge
	for i := range sessions {
		s, eng, _ := newTestSession(t, resolver)
		connectSession(t, s, eng, audioDesc())
		sessions[i] = s
		if conf == nil {
			conf, bridge = newTestConference(t, eng)
		}
		require.NoError(t, conf.AddSession(s))
	}
	require.Equal(t, 3, bridge.StreamCount())

	require.NoError(t, conf.RemoveSession(sessions[0]))

	assert.False(t, conf.Dissolved())
	assert.Nil(t, sessions[0].ClientConference())
	assert.Same(t, conf, sessions[1].ClientConference())
	assert.Same(t, conf, sessions[2].ClientConference())
	assert.Equal(t, 2, bridge.StreamCount())
}

func TestConferenceHoldAppliesToBridge(t *testing.T) {
	resolver := newStubResolver(engine.Route{Host: "10.0.0.1", Port: 5060})
	s1, eng, _ := newTestSession(t, resolver)
	connectSession(t, s1, eng, audioDesc())
	s2, eng2, _ := newTestSession(t, resolver)
	connectSession(t, s2, eng2, audioDesc())

	conf, bridge := newTestConference(t, eng)
	require.NoError(t, conf.AddSession(s1))
	require.NoError(t, conf.AddSession(s2))

	conf.Hold()
	conf.Hold()
	assert.True(t, conf.Held())
	assert.True(t, bridge.Held())
	// Удержание применяется к мосту, не к участникам
	assert.False(t, s1.OnHold())
	assert.False(t, s2.OnHold())
	// Идемпотентность: мост получил ровно один hold
	holds := 0
	for _, c := range bridge.Calls() {
		if c == "hold" {
			holds++
		}
	}
	assert.Equal(t, 1, holds)

	conf.Unhold()
	assert.False(t, conf.Held())
	assert.False(t, bridge.Held())
}

func TestReinitializeRejectedWhileInConference(t *testing.T) {
	resolver := newStubResolver(engine.Route{Host: "10.0.0.1", Port: 5060})
	s1, eng, _ := newTestSession(t, resolver)
	es1 := connectSession(t, s1, eng, audioDesc(), chatDesc())
	s2, eng2, _ := newTestSession(t, resolver)
	connectSession(t, s2, eng2, audioDesc())

	conf, _ := newTestConference(t, eng)
	require.NoError(t, conf.AddSession(s1))
	require.NoError(t, conf.AddSession(s2))

	// Участник завершился, но еще не выведен из конференции
	require.NoError(t, s1.End())
	s1.HandleEvent(engine.EndedEvent{EventBase: engine.EventBase{Session: es1}, Originator: engine.OriginatorRemote})
	require.Equal(t, "ended", s1.State().String())

	err := s1.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com",
		[]engine.StreamDescriptor{audioDesc()})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrorCodeInvalidState, serr.Code)

	// После вывода из конференции повторная инициализация доступна
	require.NoError(t, conf.RemoveSession(s1))
	require.NoError(t, s1.InitOutgoing(testAccount(), testContact(), "sip:bob@example.com",
		[]engine.StreamDescriptor{audioDesc()}))
}
