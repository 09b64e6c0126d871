// Package routing резолвит целевые SIP URI в упорядоченные списки
// маршрутов по правилам RFC 3263: NAPTR → SRV → A/AAAA с выбором
// транспорта. Пакет реализует engine.RouteResolver; асинхронность —
// забота вызывающего.
package routing

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/arzzra/call_core/pkg/engine"
)

// defaultTimeout ограничивает один DNS запрос.
const defaultTimeout = 5 * time.Second

// naptr — запись NAPTR по RFC 3403 в части, нужной для RFC 3263.
type naptr struct {
	Order       uint16
	Preference  uint16
	Flags       string
	Service     string
	Replacement string
}

// lookuper — подмножество DNS операций, используемое цепочкой
// резолвинга. Выделено для подмены в тестах.
type lookuper interface {
	LookupNAPTR(ctx context.Context, host string) ([]naptr, error)
	LookupSRV(ctx context.Context, service, proto, host string) ([]*net.SRV, error)
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// Resolver резолвит SIP URI в маршруты.
type Resolver struct {
	// NameServer — адрес DNS сервера вида "8.8.8.8:53". Пустая строка
	// означает серверы из /etc/resolv.conf.
	NameServer string
	// Timeout ограничивает один DNS запрос; ноль — умолчание.
	Timeout time.Duration
	// Transports — транспорты в порядке предпочтения. Пустой список
	// означает UDP, TCP, TLS.
	Transports []string

	lookup lookuper
}

// New создает резолвер с системной конфигурацией DNS.
func New() *Resolver {
	r := &Resolver{}
	r.lookup = &dnsLookuper{r: r}
	return r
}

// transports возвращает действующий порядок предпочтения транспортов.
func (r *Resolver) transports() []string {
	if len(r.Transports) > 0 {
		return r.Transports
	}
	return []string{"udp", "tcp", "tls"}
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return defaultTimeout
}

// Resolve реализует engine.RouteResolver. Непустой outboundProxy
// замещает цель: NAPTR не выполняется, резолвится сам прокси.
func (r *Resolver) Resolve(ctx context.Context, target string, outboundProxy string) ([]engine.Route, error) {
	if outboundProxy != "" {
		t, err := parseTarget(outboundProxy)
		if err != nil {
			return nil, errors.Wrap(err, "разбор исходящего прокси")
		}
		// Прокси задан явно: цепочка начинается с его адреса.
		return r.resolveHost(ctx, t)
	}
	t, err := parseTarget(target)
	if err != nil {
		return nil, errors.Wrap(err, "разбор целевого URI")
	}
	return r.resolveHost(ctx, t)
}

// resolveHost ведет цепочку RFC 3263 для разобранной цели.
func (r *Resolver) resolveHost(ctx context.Context, t targetSpec) ([]engine.Route, error) {
	// Числовой адрес: маршрут без запросов DNS.
	if ip := net.ParseIP(t.Host); ip != nil {
		transport := t.Transport
		if transport == "" {
			transport = r.defaultTransport(t)
		}
		return []engine.Route{{Transport: transport, Host: t.Host, Port: portOrDefault(t.Port, transport)}}, nil
	}

	// Явный порт исключает NAPTR и SRV (RFC 3263 §4.2).
	if t.Port != 0 {
		transport := t.Transport
		if transport == "" {
			transport = r.defaultTransport(t)
		}
		return r.resolveA(ctx, t.Host, transport, t.Port)
	}

	// Явный транспорт исключает NAPTR: сразу SRV этого транспорта.
	if t.Transport != "" {
		if routes, err := r.resolveSRV(ctx, t.Host, t.Transport, t.Secure); err == nil && len(routes) > 0 {
			return routes, nil
		}
		return r.resolveA(ctx, t.Host, t.Transport, portOrDefault(0, t.Transport))
	}

	if routes := r.resolveNAPTR(ctx, t); len(routes) > 0 {
		return routes, nil
	}

	// NAPTR нет: SRV по каждому транспорту в порядке предпочтения.
	for _, transport := range r.transports() {
		if t.Secure && transport != "tls" {
			continue
		}
		if routes, err := r.resolveSRV(ctx, t.Host, transport, t.Secure); err == nil && len(routes) > 0 {
			return routes, nil
		}
	}

	// Последняя ступень: A/AAAA с транспортом по умолчанию.
	transport := r.defaultTransport(t)
	return r.resolveA(ctx, t.Host, transport, portOrDefault(0, transport))
}

func (r *Resolver) defaultTransport(t targetSpec) string {
	if t.Secure {
		return "tls"
	}
	return r.transports()[0]
}

// resolveNAPTR выполняет ступень NAPTR: выбирает поддерживаемые сервисы
// в порядке записей и предпочтения транспортов, затем SRV по замене.
func (r *Resolver) resolveNAPTR(ctx context.Context, t targetSpec) []engine.Route {
	recs, err := r.lookup.LookupNAPTR(ctx, t.Host)
	if err != nil || len(recs) == 0 {
		return nil
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Order != recs[j].Order {
			return recs[i].Order < recs[j].Order
		}
		return recs[i].Preference < recs[j].Preference
	})
	for _, rec := range recs {
		if !strings.EqualFold(rec.Flags, "s") || rec.Replacement == "" {
			continue
		}
		transport, ok := transportForService(rec.Service)
		if !ok || (t.Secure && transport != "tls") {
			continue
		}
		if routes := r.resolveSRVName(ctx, strings.TrimSuffix(rec.Replacement, "."), transport); len(routes) > 0 {
			return routes
		}
	}
	return nil
}

// resolveSRV строит имя SRV для транспорта и хоста по RFC 3263.
func (r *Resolver) resolveSRV(ctx context.Context, host, transport string, secure bool) ([]engine.Route, error) {
	service := "sip"
	proto := transport
	if transport == "tls" || secure {
		service = "sips"
		proto = "tcp"
	}
	srvs, err := r.lookup.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, err
	}
	return r.srvRoutes(ctx, srvs, transport), nil
}

// resolveSRVName резолвит готовое имя SRV из замены NAPTR.
func (r *Resolver) resolveSRVName(ctx context.Context, name, transport string) []engine.Route {
	srvs, err := r.lookup.LookupSRV(ctx, "", "", name)
	if err != nil {
		return nil
	}
	return r.srvRoutes(ctx, srvs, transport)
}

// srvRoutes разворачивает записи SRV в маршруты: сортировка по
// приоритету и весу, затем A/AAAA по каждой цели.
func (r *Resolver) srvRoutes(ctx context.Context, srvs []*net.SRV, transport string) []engine.Route {
	sort.SliceStable(srvs, func(i, j int) bool {
		if srvs[i].Priority != srvs[j].Priority {
			return srvs[i].Priority < srvs[j].Priority
		}
		return srvs[i].Weight > srvs[j].Weight
	})
	var routes []engine.Route
	for _, srv := range srvs {
		ips, err := r.lookup.LookupIP(ctx, strings.TrimSuffix(srv.Target, "."))
		if err != nil {
			continue
		}
		for _, ip := range ips {
			routes = append(routes, engine.Route{Transport: transport, Host: ip.String(), Port: int(srv.Port)})
		}
	}
	return routes
}

func (r *Resolver) resolveA(ctx context.Context, host, transport string, port int) ([]engine.Route, error) {
	ips, err := r.lookup.LookupIP(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "резолвинг %s", host)
	}
	routes := make([]engine.Route, 0, len(ips))
	for _, ip := range ips {
		routes = append(routes, engine.Route{Transport: transport, Host: ip.String(), Port: port})
	}
	return routes, nil
}

// transportForService сопоставляет сервис NAPTR транспорту SIP.
func transportForService(service string) (string, bool) {
	switch strings.ToUpper(service) {
	case "SIP+D2U":
		return "udp", true
	case "SIP+D2T":
		return "tcp", true
	case "SIPS+D2T":
		return "tls", true
	default:
		return "", false
	}
}

// portOrDefault возвращает явный порт или порт транспорта по умолчанию.
func portOrDefault(port int, transport string) int {
	if port != 0 {
		return port
	}
	if transport == "tls" {
		return 5061
	}
	return 5060
}

// targetSpec — разобранная цель резолвинга.
type targetSpec struct {
	Host      string
	Port      int
	Transport string
	Secure    bool
}

// parseTarget разбирает SIP URI или адрес "host[:port][;transport=x]".
func parseTarget(raw string) (targetSpec, error) {
	var t targetSpec
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(strings.ToLower(s), "sips:"):
		t.Secure = true
		s = s[len("sips:"):]
	case strings.HasPrefix(strings.ToLower(s), "sip:"):
		s = s[len("sip:"):]
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		s = s[at+1:]
	}
	hostport := s
	if semi := strings.Index(s, ";"); semi >= 0 {
		hostport = s[:semi]
		for _, param := range strings.Split(s[semi+1:], ";") {
			if k, v, ok := strings.Cut(param, "="); ok && strings.EqualFold(k, "transport") {
				t.Transport = strings.ToLower(v)
			}
		}
	}
	if host, port, err := net.SplitHostPort(hostport); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return t, errors.Errorf("некорректный порт %q", port)
		}
		t.Host, t.Port = host, p
	} else {
		t.Host = strings.Trim(hostport, "[]")
	}
	if t.Secure {
		t.Transport = "tls"
	}
	if t.Host == "" {
		return t, errors.Errorf("пустой хост в адресе %q", raw)
	}
	return t, nil
}

// dnsLookuper — рабочая реализация lookuper: NAPTR через клиент
// miekg/dns, SRV и адреса через системный резолвер.
type dnsLookuper struct {
	r        *Resolver
	resolver net.Resolver
}

func (l *dnsLookuper) LookupNAPTR(ctx context.Context, host string) ([]naptr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	server, err := l.nameserver()
	if err != nil {
		return nil, err
	}
	client := &dns.Client{Timeout: l.r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, errors.Wrap(err, "запрос NAPTR")
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errors.Errorf("NAPTR %s: %s", host, dns.RcodeToString[resp.Rcode])
	}
	recs := make([]naptr, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, naptr{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Replacement: rr.Replacement,
			})
		}
	}
	return recs, nil
}

func (l *dnsLookuper) LookupSRV(ctx context.Context, service, proto, host string) ([]*net.SRV, error) {
	ctx, cancel := context.WithTimeout(ctx, l.r.timeout())
	defer cancel()
	_, srvs, err := l.resolver.LookupSRV(ctx, service, proto, host)
	return srvs, err
}

func (l *dnsLookuper) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, l.r.timeout())
	defer cancel()
	addrs, err := l.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ip := a.IP
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

// nameserver возвращает адрес DNS сервера для запросов miekg/dns.
func (l *dnsLookuper) nameserver() (string, error) {
	if l.r.NameServer != "" {
		if _, _, err := net.SplitHostPort(l.r.NameServer); err != nil {
			return net.JoinHostPort(l.r.NameServer, "53"), nil
		}
		return l.r.NameServer, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errors.Wrap(err, "чтение resolv.conf")
	}
	if len(conf.Servers) == 0 {
		return "", errors.New("в resolv.conf нет DNS серверов")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
