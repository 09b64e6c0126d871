package session

import (
	"time"

	"github.com/arzzra/call_core/pkg/engine"
)

// EncryptionInfo — состояние шифрования потока.
type EncryptionInfo struct {
	On       bool
	Protocol string
	Cipher   string
	Verified bool
}

// StreamInfo — пассивный телеметрический снимок одного потока.
// Обновляется из событий движка, читается панелями информации.
type StreamInfo struct {
	Kind       engine.StreamKind
	Muted      bool
	Encryption EncryptionInfo
	ICEState   engine.ICEState
	Stats      engine.StreamStats
}

// Info — телеметрический снимок сессии. Возвращается по значению,
// безопасен для чтения без синхронизации.
type Info struct {
	StartTime time.Time
	EndTime   time.Time
	// Duration — длительность разговора на момент снимка.
	Duration time.Duration

	EndReason string
	Failed    bool

	Streams map[engine.StreamKind]StreamInfo

	Recording     bool
	RecordingPath string

	TransferState engine.CallTransferState

	MessagesReceived int
	MessagesSent     int
	RemoteComposing  bool
}

// snapshotInfo собирает снимок под мьютексом сессии.
func (s *Session) snapshotInfo(now time.Time) Info {
	info := Info{
		StartTime:        s.startTime,
		EndTime:          s.endTime,
		EndReason:        s.endReason,
		Failed:           s.endFailed,
		Recording:        s.recording,
		RecordingPath:    s.recordingPath,
		TransferState:    s.transferState,
		MessagesReceived: s.messagesReceived,
		MessagesSent:     s.messagesSent,
		RemoteComposing:  s.remoteComposing,
		Streams:          make(map[engine.StreamKind]StreamInfo, len(s.streams)),
	}
	for k, st := range s.streams {
		si := st.info
		si.Muted = st.muted
		info.Streams[k] = si
	}
	switch {
	case s.startTime.IsZero():
	case s.endTime.IsZero():
		info.Duration = now.Sub(s.startTime)
	default:
		info.Duration = s.endTime.Sub(s.startTime)
	}
	return info
}
