// Package dnshijack steers clients that cannot set an HTTP proxy (TVs,
// appliances) toward the Front Proxy: relay domains resolve to the front
// host's address, ignore-list domains are sinkholed, everything else is
// refused so the client falls back to its secondary resolver.
package dnshijack

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/pkg/logger"
)

const answerTTL = 30

// Server answers A queries according to the front proxy's routing rules.
type Server struct {
	addr   string
	answer net.IP
	rules  config.Rules
	log    logger.Logger
	server *dns.Server
}

// NewServer builds a steering DNS server. answerIP is the address relay
// domains resolve to (the front host).
func NewServer(listenIP string, port int, answerIP string, rules config.Rules, log logger.Logger) (*Server, error) {
	ip := net.ParseIP(answerIP)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("dns answer address %q is not an IPv4 address", answerIP)
	}
	return &Server{
		addr:   fmt.Sprintf("%s:%d", listenIP, port),
		answer: ip.To4(),
		rules:  rules,
		log:    log,
	}, nil
}

// Start begins serving UDP DNS in the background.
func (s *Server) Start() error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handle)

	s.server = &dns.Server{
		Addr:    s.addr,
		Net:     "udp",
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil {
			s.log.Error("dns server: %v", err)
		}
	}()

	s.log.Info("dns steering on %s -> %s", s.addr, s.answer)
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown()
}

func (s *Server) handle(w dns.ResponseWriter, req *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(req)
	msg.Authoritative = true

	for _, q := range req.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		host := strings.TrimSuffix(q.Name, ".")
		switch {
		case s.rules.IsIgnored(host):
			// Sinkhole: noisy background traffic never reaches the relay.
			msg.Answer = append(msg.Answer, aRecord(q.Name, net.IPv4zero.To4()))
			s.log.Debug("dns sinkhole %s", host)
		case s.rules.IsRelay(host):
			msg.Answer = append(msg.Answer, aRecord(q.Name, s.answer))
			s.log.Debug("dns steer %s -> %s", host, s.answer)
		default:
			msg.Rcode = dns.RcodeRefused
		}
	}

	if err := w.WriteMsg(msg); err != nil {
		s.log.Warn("dns write: %v", err)
	}
}

func aRecord(name string, ip net.IP) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    answerTTL,
		},
		A: ip,
	}
}
