package sipengine

import (
	"encoding/xml"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"

	"github.com/arzzra/call_core/pkg/engine"
)

// Полезные типы RTP: PCMU/PCMA с telephone-event для аудио, H264 для
// видео и экрана.
const (
	payloadPCMU = 0
	payloadPCMA = 8
	payloadDTMF = 101
	payloadH264 = 96
)

// isRTPKind сообщает, передается ли поток данного типа по RTP.
func isRTPKind(kind engine.StreamKind) bool {
	return kind == engine.StreamAudio || kind == engine.StreamVideo || kind == engine.StreamScreenSharing
}

// sessionDescription — разобранный SDP удаленной стороны с доступом
// по типам потоков ядра.
type sessionDescription struct {
	sd *sdp.SessionDescription
}

// parseSessionDescription разбирает тело SDP.
func parseSessionDescription(body []byte) (*sessionDescription, error) {
	if len(body) == 0 {
		return nil, errors.New("пустое тело SDP")
	}
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, errors.Wrap(err, "разбор SDP")
	}
	return &sessionDescription{sd: sd}, nil
}

// mediaKind сопоставляет медиаописание типу потока ядра. Вторая
// видеосекция с a=content:slides — показ экрана; секция message с
// файловым селектором — передача файла.
func mediaKind(m *sdp.MediaDescription) (engine.StreamKind, bool) {
	switch m.MediaName.Media {
	case "audio":
		return engine.StreamAudio, true
	case "video":
		if attrValue(m, "content") == "slides" {
			return engine.StreamScreenSharing, true
		}
		return engine.StreamVideo, true
	case "message":
		if attrValue(m, "file-selector") != "" {
			return engine.StreamFileTransfer, true
		}
		return engine.StreamChat, true
	default:
		return "", false
	}
}

func attrValue(m *sdp.MediaDescription, key string) string {
	for _, a := range m.Attributes {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

func hasAttr(m *sdp.MediaDescription, key string) bool {
	for _, a := range m.Attributes {
		if a.Key == key {
			return true
		}
	}
	return false
}

// Descriptors возвращает потоки описания в виде дескрипторов ядра.
// Секции с нулевым портом считаются отклоненными и пропускаются.
func (d *sessionDescription) Descriptors() []engine.StreamDescriptor {
	var descs []engine.StreamDescriptor
	for _, m := range d.sd.MediaDescriptions {
		if m.MediaName.Port.Value == 0 {
			continue
		}
		if kind, ok := mediaKind(m); ok {
			descs = append(descs, engine.StreamDescriptor{Kind: kind})
		}
	}
	return descs
}

// MediaAddr возвращает адрес "ip:port" потока данного типа или пустую
// строку. Адрес берется из медиасекции, затем из уровня сессии.
func (d *sessionDescription) MediaAddr(kind engine.StreamKind) string {
	for _, m := range d.sd.MediaDescriptions {
		k, ok := mediaKind(m)
		if !ok || k != kind || m.MediaName.Port.Value == 0 {
			continue
		}
		host := ""
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			host = m.ConnectionInformation.Address.Address
		} else if d.sd.ConnectionInformation != nil && d.sd.ConnectionInformation.Address != nil {
			host = d.sd.ConnectionInformation.Address.Address
		}
		if host == "" {
			return ""
		}
		return net.JoinHostPort(host, strconv.Itoa(m.MediaName.Port.Value))
	}
	return ""
}

// OnHold сообщает, переведена ли удаленная сторона на удержание:
// аудиосекция с sendonly или inactive.
func (d *sessionDescription) OnHold() bool {
	for _, m := range d.sd.MediaDescriptions {
		if m.MediaName.Media != "audio" || m.MediaName.Port.Value == 0 {
			continue
		}
		if hasAttr(m, "sendonly") || hasAttr(m, "inactive") {
			return true
		}
	}
	return false
}

// buildLocalSDP строит локальное описание для набора потоков.
// Порты RTP-потоков берутся из медиаплеч сессии. Вызывается под s.mu.
func (s *Session) buildLocalSDP(descs []engine.StreamDescriptor, held bool) ([]byte, error) {
	host, _, err := net.SplitHostPort(s.e.cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrap(err, "разбор адреса сигнализации")
	}

	now := uint64(time.Now().Unix())
	doc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now + uint64(s.cseq.Load()),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "call_core",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}

	ordered := make([]engine.StreamDescriptor, 0, len(descs))
	for _, d := range descs {
		if d.Kind == engine.StreamMessages {
			// Синтетический канал сообщений не имеет сетевого потока.
			continue
		}
		ordered = append(ordered, d)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Kind.Priority() < ordered[j].Kind.Priority()
	})

	for _, d := range ordered {
		m := s.mediaDescription(d.Kind, held)
		doc.MediaDescriptions = append(doc.MediaDescriptions, m)
	}

	body, err := doc.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "кодирование SDP")
	}
	return body, nil
}

// mediaDescription строит медиасекцию потока. Вызывается под s.mu.
func (s *Session) mediaDescription(kind engine.StreamKind, held bool) *sdp.MediaDescription {
	port := 9
	if leg := s.legs[kind]; leg != nil {
		port = leg.port
	}

	direction := sdp.NewPropertyAttribute("sendrecv")
	if held && isRTPKind(kind) {
		direction = sdp.NewPropertyAttribute("sendonly")
	}

	switch kind {
	case engine.StreamAudio:
		m := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  "audio",
				Port:   sdp.RangedPort{Value: port},
				Protos: s.rtpProtos(),
				Formats: []string{
					strconv.Itoa(payloadPCMU),
					strconv.Itoa(payloadPCMA),
					strconv.Itoa(payloadDTMF),
				},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("rtpmap", strconv.Itoa(payloadPCMU)+" PCMU/8000"),
				sdp.NewAttribute("rtpmap", strconv.Itoa(payloadPCMA)+" PCMA/8000"),
				sdp.NewAttribute("rtpmap", strconv.Itoa(payloadDTMF)+" telephone-event/8000"),
				sdp.NewAttribute("fmtp", strconv.Itoa(payloadDTMF)+" 0-16"),
				sdp.NewAttribute("ptime", "20"),
				direction,
			},
		}
		return m
	case engine.StreamVideo, engine.StreamScreenSharing:
		m := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: port},
				Protos:  s.rtpProtos(),
				Formats: []string{strconv.Itoa(payloadH264)},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("rtpmap", strconv.Itoa(payloadH264)+" H264/90000"),
				direction,
			},
		}
		if kind == engine.StreamScreenSharing {
			m.Attributes = append(m.Attributes, sdp.NewAttribute("content", "slides"))
		}
		return m
	case engine.StreamFileTransfer:
		return &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "message",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"TCP", "MSRP"},
				Formats: []string{"*"},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("accept-types", "*"),
				sdp.NewAttribute("file-selector", "name:\"\""),
			},
		}
	default: // chat
		return &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "message",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"TCP", "MSRP"},
				Formats: []string{"*"},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("accept-types", "text/plain message/cpim"),
			},
		}
	}
}

// rtpProtos возвращает протокольный стек медиасекции RTP.
func (s *Session) rtpProtos() []string {
	if s.e.cfg.EnableDTLS {
		return []string{"UDP", "TLS", "RTP", "SAVP"}
	}
	return []string{"RTP", "AVP"}
}

// conferenceInfoXML — снимок application/conference-info+xml (RFC 4575)
// в части, нужной для состава участников.
type conferenceInfoXML struct {
	XMLName xml.Name `xml:"conference-info"`
	Users   []struct {
		Entity      string `xml:"entity,attr"`
		DisplayText string `xml:"display-text"`
	} `xml:"users>user"`
}

// parseConferenceInfo извлекает участников из снимка конференции.
func parseConferenceInfo(body []byte) ([]engine.Participant, error) {
	var doc conferenceInfoXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(err, "разбор conference-info")
	}
	participants := make([]engine.Participant, 0, len(doc.Users))
	for _, u := range doc.Users {
		participants = append(participants, engine.Participant{
			URI:         u.Entity,
			DisplayName: u.DisplayText,
		})
	}
	return participants, nil
}

// isComposingXML — индикация набора текста (RFC 3994).
type isComposingXML struct {
	XMLName xml.Name `xml:"isComposing"`
	State   string   `xml:"state"`
	Refresh int      `xml:"refresh"`
}

// parseComposingIndication извлекает активность и срок индикации.
func parseComposingIndication(body []byte) (bool, time.Duration) {
	var doc isComposingXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return false, 0
	}
	return doc.State == "active", time.Duration(doc.Refresh) * time.Second
}
