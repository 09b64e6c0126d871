package sipengine

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/arzzra/call_core/pkg/engine"
)

// portPool раздает медиапорты UDP из настроенного диапазона.
type portPool struct {
	mu   sync.Mutex
	min  int
	max  int
	next int
	free []int
}

func newPortPool(min, max int) *portPool {
	return &portPool{min: min, max: max, next: min}
}

// acquire возвращает свободный порт или ошибку при исчерпании пула.
func (p *portPool) acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		port := p.free[n-1]
		p.free = p.free[:n-1]
		return port, nil
	}
	if p.next > p.max {
		return 0, errors.Errorf("пул медиапортов исчерпан (%d-%d)", p.min, p.max)
	}
	port := p.next
	// Порты RTP по соглашению четные; нечетный сосед остается RTCP.
	p.next += 2
	return port, nil
}

func (p *portPool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, port)
}

// mediaLeg — одно медиаплечо UDP: сокет, удаленный адрес, статистика
// принятых пакетов RTP и опциональная обертка DTLS.
type mediaLeg struct {
	e       *Engine
	session *Session
	kind    engine.StreamKind
	port    int

	mu       sync.Mutex
	conn     *net.UDPConn
	dtlsConn *dtls.Conn
	remote   *net.UDPAddr
	muted    bool
	started  bool
	closed   bool
	recFile  *os.File
	stats    engine.StreamStats
	done     chan struct{}
}

// newMediaLeg выделяет порт из пула и открывает сокет UDP с опциями
// для голосового трафика.
func (e *Engine) newMediaLeg(s *Session, kind engine.StreamKind) (*mediaLeg, error) {
	host, _, err := net.SplitHostPort(e.cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrap(err, "разбор адреса сигнализации")
	}
	// Занятый порт не повод для отказа: пробуем следующие из пула.
	for attempt := 0; attempt < 16; attempt++ {
		port, err := e.ports.acquire()
		if err != nil {
			return nil, err
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host), Port: port})
		if err != nil {
			continue
		}
		if err := setVoiceSockOpts(conn); err != nil {
			e.log.Debug("опции медиасокета не применены", slog.String("error", err.Error()))
		}
		return &mediaLeg{
			e:       e,
			session: s,
			kind:    kind,
			port:    port,
			conn:    conn,
			done:    make(chan struct{}),
		}, nil
	}
	return nil, errors.New("не удалось открыть медиасокет")
}

// setRemote запоминает удаленный адрес медиапотока из SDP.
func (l *mediaLeg) setRemote(addr string) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		l.e.log.Error("удаленный медиаадрес не разобран",
			slog.String("addr", addr), slog.String("error", err.Error()))
		return
	}
	l.mu.Lock()
	l.remote = raddr
	l.mu.Unlock()
}

// start запускает прием пакетов и тики статистики. Повторные вызовы
// безвредны: перезапуск после переговоров не создает вторую горутину.
func (l *mediaLeg) start() {
	l.mu.Lock()
	if l.started || l.closed {
		l.mu.Unlock()
		return
	}
	l.started = true
	remote := l.remote
	l.mu.Unlock()

	if l.e.cfg.EnableDTLS && remote != nil {
		go l.establishDTLS(remote)
	}
	go l.readLoop()
	go l.statsLoop()
}

// establishDTLS пересоздает сокет как подключенный и выполняет
// рукопожатие DTLS клиента, сохраняя объявленный в SDP локальный порт.
func (l *mediaLeg) establishDTLS(remote *net.UDPAddr) {
	l.mu.Lock()
	if l.closed || l.conn == nil {
		l.mu.Unlock()
		return
	}
	laddr := l.conn.LocalAddr().(*net.UDPAddr)
	l.conn.Close()
	conn, err := net.DialUDP("udp", laddr, remote)
	if err != nil {
		l.mu.Unlock()
		l.e.log.Error("переподключение медиасокета не удалось", slog.String("error", err.Error()))
		return
	}
	l.conn = conn
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dtlsConn, err := dtls.ClientWithContext(ctx, conn, &dtls.Config{
		Certificates:       l.e.cfg.Certificates,
		InsecureSkipVerify: true,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	})
	if err != nil {
		l.e.log.Error("рукопожатие DTLS не удалось",
			slog.String("kind", string(l.kind)), slog.String("error", err.Error()))
		l.e.emit(engine.ICEStateEvent{
			EventBase: engine.EventBase{Session: l.session},
			Kind:      l.kind,
			State:     engine.ICEFailed,
		})
		return
	}
	l.mu.Lock()
	l.dtlsConn = dtlsConn
	l.mu.Unlock()
	l.e.emit(engine.EncryptionEvent{
		EventBase: engine.EventBase{Session: l.session},
		Kind:      l.kind,
		Protocol:  "DTLS",
		Cipher:    "AES128-GCM",
		On:        true,
	})
}

// readLoop принимает пакеты RTP и ведет счетчики статистики.
func (l *mediaLeg) readLoop() {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	var lastSeq uint16
	var haveSeq bool
	for {
		l.mu.Lock()
		conn := l.conn
		dtlsConn := l.dtlsConn
		closed := l.closed
		l.mu.Unlock()
		if closed || conn == nil {
			return
		}

		var n int
		var err error
		if dtlsConn != nil {
			n, err = dtlsConn.Read(buf)
		} else {
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
			n, _, err = conn.ReadFromUDP(buf)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.mu.Lock()
			closed = l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			// Сокет мог быть переподключен для DTLS.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		l.mu.Lock()
		l.stats.PacketsReceived++
		l.stats.BytesReceived += uint64(n)
		if haveSeq && pkt.SequenceNumber != lastSeq+1 && pkt.SequenceNumber > lastSeq {
			l.stats.PacketsLost += uint64(pkt.SequenceNumber - lastSeq - 1)
		}
		lastSeq = pkt.SequenceNumber
		haveSeq = true
		rec := l.recFile
		l.mu.Unlock()

		if rec != nil {
			_, _ = rec.Write(pkt.Payload)
		}
	}
}

// statsLoop периодически публикует статистику потока.
func (l *mediaLeg) statsLoop() {
	ticker := time.NewTicker(l.e.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			stats := l.stats
			l.mu.Unlock()
			l.e.emit(engine.StreamStatsEvent{
				EventBase: engine.EventBase{Session: l.session},
				Kind:      l.kind,
				Stats:     stats,
			})
		}
	}
}

func (l *mediaLeg) setMuted(muted bool) {
	l.mu.Lock()
	l.muted = muted
	l.mu.Unlock()
}

// startRecording пишет полезную нагрузку принимаемых пакетов в файл.
func (l *mediaLeg) startRecording(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "открытие файла записи")
	}
	l.mu.Lock()
	if l.recFile != nil {
		l.recFile.Close()
	}
	l.recFile = f
	l.mu.Unlock()
	return nil
}

func (l *mediaLeg) stopRecording() {
	l.mu.Lock()
	f := l.recFile
	l.recFile = nil
	l.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

// close освобождает сокет, файл записи и возвращает порт в пул.
func (l *mediaLeg) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	if l.dtlsConn != nil {
		l.dtlsConn.Close()
	}
	if l.conn != nil {
		l.conn.Close()
	}
	if l.recFile != nil {
		l.recFile.Close()
		l.recFile = nil
	}
	l.mu.Unlock()
	l.e.ports.release(l.port)
}

// bridge — локальный аудиомикшер клиентской конференции. Смешивание
// выполняет звуковой тракт устройства; мост ведет состав и общее
// удержание. Реализует engine.AudioBridge.
type bridge struct {
	log *slog.Logger

	mu      sync.Mutex
	streams map[engine.Stream]struct{}
	held    bool
	closed  bool
}

func newBridge(logger *slog.Logger) *bridge {
	return &bridge{
		log:     logger.With(slog.String("component", "bridge")),
		streams: make(map[engine.Stream]struct{}),
	}
}

func (b *bridge) AddStream(s engine.Stream) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("мост закрыт")
	}
	b.streams[s] = struct{}{}
	b.log.Debug("поток добавлен в мост", slog.Int("members", len(b.streams)))
	return nil
}

func (b *bridge) RemoveStream(s engine.Stream) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, s)
	b.log.Debug("поток исключен из моста", slog.Int("members", len(b.streams)))
	return nil
}

func (b *bridge) Hold() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = true
	return nil
}

func (b *bridge) Unhold() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = false
	return nil
}

func (b *bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.streams = make(map[engine.Stream]struct{})
	return nil
}
