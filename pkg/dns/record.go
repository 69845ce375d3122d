package dns

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/hewenyu/tenant-gateway/pkg/model"
)

// query 解析后的本地域名查询
//
//	<service>.<domain>        A / AAAA / SRV
//	_<service>._tcp.<domain>  SRV
//	<id>.<service>.<domain>   单个实例的 A / AAAA
type query struct {
	service  string
	instance string
}

// parseName 从查询名中提取服务名与实例ID，不属于本域的返回false
func parseName(name, domain string) (query, bool) {
	name = strings.ToLower(dns.Fqdn(name))
	if !strings.HasSuffix(name, "."+domain) {
		return query{}, false
	}
	labels := dns.SplitDomainName(strings.TrimSuffix(name, "."+domain))

	switch {
	case len(labels) == 1:
		return query{service: labels[0]}, true
	case len(labels) == 2 && labels[1] == "_tcp" && strings.HasPrefix(labels[0], "_"):
		return query{service: strings.TrimPrefix(labels[0], "_")}, true
	case len(labels) == 2:
		return query{service: labels[1], instance: labels[0]}, true
	}
	return query{}, false
}

// endpoint 实例地址中的主机与端口
type endpoint struct {
	host string
	ip   net.IP
	port uint16
}

func parseEndpoint(raw string) (endpoint, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return endpoint{}, false
	}

	ep := endpoint{host: u.Hostname(), ip: net.ParseIP(u.Hostname())}
	switch p := u.Port(); {
	case p != "":
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return endpoint{}, false
		}
		ep.port = uint16(n)
	case u.Scheme == "https":
		ep.port = 443
	default:
		ep.port = 80
	}
	return ep, true
}

// instanceName 实例的专属域名，SRV目标为IP时使用
func instanceName(inst model.ServiceInstance, domain string) string {
	return strings.ToLower(inst.ID) + "." + strings.ToLower(inst.Name) + "." + domain
}

// addressRecord 生成A或AAAA记录，类型不匹配时返回nil
func addressRecord(name string, ip net.IP, qtype uint16, ttl uint32) dns.RR {
	hdr := dns.RR_Header{Name: name, Class: dns.ClassINET, Ttl: ttl}
	if v4 := ip.To4(); v4 != nil {
		if qtype != dns.TypeA {
			return nil
		}
		hdr.Rrtype = dns.TypeA
		return &dns.A{Hdr: hdr, A: v4}
	}
	if qtype != dns.TypeAAAA {
		return nil
	}
	hdr.Rrtype = dns.TypeAAAA
	return &dns.AAAA{Hdr: hdr, AAAA: ip}
}

// buildRecords 按查询类型为健康实例生成应答与附加记录
func buildRecords(qname string, qtype uint16, q query, instances []model.ServiceInstance, domain string, ttl uint32) (answer, extra []dns.RR) {
	for _, inst := range instances {
		if q.instance != "" && !strings.EqualFold(inst.ID, q.instance) {
			continue
		}
		ep, ok := parseEndpoint(inst.URL)
		if !ok {
			continue
		}

		switch qtype {
		case dns.TypeA, dns.TypeAAAA:
			if ep.ip == nil {
				continue
			}
			if rr := addressRecord(qname, ep.ip, qtype, ttl); rr != nil {
				answer = append(answer, rr)
			}
		case dns.TypeSRV:
			if q.instance != "" {
				continue
			}
			target := dns.Fqdn(ep.host)
			if ep.ip != nil {
				target = instanceName(inst, domain)
				if _, ok := dns.IsDomainName(target); !ok {
					continue
				}
				for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
					if rr := addressRecord(target, ep.ip, t, ttl); rr != nil {
						extra = append(extra, rr)
					}
				}
			}
			answer = append(answer, &dns.SRV{
				Hdr:      dns.RR_Header{Name: qname, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: ttl},
				Priority: 10,
				Weight:   10,
				Port:     ep.port,
				Target:   target,
			})
		}
	}
	return answer, extra
}
