// Package record implements the owned representation of DNS resource
// record data together with the wire-format codec used to persist it in
// the cache: serialize, deserialize, deep-copy from a parsed message, and
// hash for cache-key disambiguation.
package record

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

// Recognized resource record types. Values match the DNS wire-format
// type numbers (and github.com/miekg/dns's constants of the same name).
const (
	TypeA     = dns.TypeA
	TypeAAAA  = dns.TypeAAAA
	TypeA6    = dns.TypeA6
	TypeCNAME = dns.TypeCNAME
	TypeMX    = dns.TypeMX
	TypePTR   = dns.TypePTR
	TypeSOA   = dns.TypeSOA
	TypeTXT   = dns.TypeTXT
	TypeSRV   = dns.TypeSRV
	TypeANY   = dns.TypeANY
)

// Data is a tagged union over rrtype; each concrete type below is one
// variant. The Type method reports which wire-format rrtype it encodes.
type Data interface {
	Type() uint16
}

type AData struct{ Addr netip.Addr } // IPv4

func (AData) Type() uint16 { return TypeA }

type AAAAData struct{ Addr netip.Addr } // IPv6

func (AAAAData) Type() uint16 { return TypeAAAA }

type CNAMEData struct{ Target string }

func (CNAMEData) Type() uint16 { return TypeCNAME }

type PTRData struct{ Target string }

func (PTRData) Type() uint16 { return TypePTR }

type MXData struct {
	Preference uint16
	Exchange   string
}

func (MXData) Type() uint16 { return TypeMX }

type SOAData struct {
	MName, RName                             string
	Serial, Refresh, Retry, Expire, Minimum uint32
}

func (SOAData) Type() uint16 { return TypeSOA }

type SRVData struct {
	Priority, Weight, Port uint16
	Target                 string
}

func (SRVData) Type() uint16 { return TypeSRV }

type TXTData struct{ Strings []string }

func (TXTData) Type() uint16 { return TypeTXT }

// OpaqueData preserves a record type the codec does not otherwise
// understand, verbatim.
type OpaqueData struct {
	RRType uint16
	Bytes  []byte
}

func (d OpaqueData) Type() uint16 { return d.RRType }

// Record is an owned (owner, class, ttl, data) resource record. TTL=0
// means "do not cache."
type Record struct {
	Owner string // canonical presentation form: lowercase, trailing dot
	Class uint16
	TTL   uint32
	Data  Data
}

// Question is an immutable (qname, qtype, qclass) triple.
type Question struct {
	Name   string // canonical presentation form
	QType  uint16
	QClass uint16
}

// UnsupportedType is returned by ToOwned when a parsed record's rdata cannot
// be extracted, and by Encode for a Data value of an unknown concrete type.
// Decode never returns it: unknown rrtypes decode to OpaqueData.
type UnsupportedType struct{ RRType uint16 }

func (e UnsupportedType) Error() string {
	return fmt.Sprintf("record: unsupported rrtype %d", e.RRType)
}

// ParseError is returned by Decode when the supplied bytes do not conform
// to the grammar of the requested rrtype.
type ParseError struct {
	RRType uint16
	Reason string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("record: malformed rdata for rrtype %d: %s", e.RRType, e.Reason)
}

// CanonicalName lowercases name and ensures a single trailing dot, matching
// the presentation form used for cache keys and override lookups.
func CanonicalName(name string) string {
	name = strings.ToLower(name)
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}

// encodeName writes name in uncompressed DNS wire format: a sequence of
// length-prefixed labels terminated by a zero-length label. Cache entries
// are standalone byte blobs, never part of a larger message, so there is
// never an opportunity (or need) for name compression here.
func encodeName(name string) ([]byte, error) {
	name = strings.TrimSuffix(CanonicalName(name), ".")
	var out []byte
	if name != "" {
		for _, label := range strings.Split(name, ".") {
			if len(label) > 63 {
				return nil, fmt.Errorf("record: label %q exceeds 63 bytes", label)
			}
			out = append(out, byte(len(label)))
			out = append(out, label...)
		}
	}
	out = append(out, 0)
	return out, nil
}

// decodeName reads an uncompressed wire-format name starting at b[0] and
// returns the presentation form plus the number of bytes consumed.
func decodeName(b []byte) (string, int, error) {
	var labels []string
	i := 0
	for {
		if i >= len(b) {
			return "", 0, fmt.Errorf("name truncated")
		}
		l := int(b[i])
		i++
		if l == 0 {
			break
		}
		if l > 63 {
			return "", 0, fmt.Errorf("label length %d exceeds 63", l)
		}
		if i+l > len(b) {
			return "", 0, fmt.Errorf("label truncated")
		}
		labels = append(labels, string(b[i:i+l]))
		i += l
	}
	if len(labels) == 0 {
		return ".", i, nil
	}
	return CanonicalName(strings.Join(labels, ".")), i, nil
}

// Encode serializes data to its DNS on-the-wire rdata form.
func Encode(data Data) ([]byte, error) {
	switch d := data.(type) {
	case AData:
		if !d.Addr.Is4() {
			return nil, fmt.Errorf("record: A record address is not IPv4")
		}
		b := d.Addr.As4()
		return b[:], nil
	case AAAAData:
		if !d.Addr.Is6() {
			return nil, fmt.Errorf("record: AAAA record address is not IPv6")
		}
		b := d.Addr.As16()
		return b[:], nil
	case CNAMEData:
		return encodeName(d.Target)
	case PTRData:
		return encodeName(d.Target)
	case MXData:
		name, err := encodeName(d.Exchange)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 2, 2+len(name))
		binary.BigEndian.PutUint16(out, d.Preference)
		return append(out, name...), nil
	case SOAData:
		mname, err := encodeName(d.MName)
		if err != nil {
			return nil, err
		}
		rname, err := encodeName(d.RName)
		if err != nil {
			return nil, err
		}
		out := append(append([]byte{}, mname...), rname...)
		tail := make([]byte, 20)
		binary.BigEndian.PutUint32(tail[0:], d.Serial)
		binary.BigEndian.PutUint32(tail[4:], d.Refresh)
		binary.BigEndian.PutUint32(tail[8:], d.Retry)
		binary.BigEndian.PutUint32(tail[12:], d.Expire)
		binary.BigEndian.PutUint32(tail[16:], d.Minimum)
		return append(out, tail...), nil
	case SRVData:
		target, err := encodeName(d.Target)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 6, 6+len(target))
		binary.BigEndian.PutUint16(out[0:], d.Priority)
		binary.BigEndian.PutUint16(out[2:], d.Weight)
		binary.BigEndian.PutUint16(out[4:], d.Port)
		return append(out, target...), nil
	case TXTData:
		var out []byte
		for _, s := range d.Strings {
			if len(s) > 255 {
				return nil, fmt.Errorf("record: TXT segment exceeds 255 bytes")
			}
			out = append(out, byte(len(s)))
			out = append(out, s...)
		}
		return out, nil
	case OpaqueData:
		return append([]byte{}, d.Bytes...), nil
	default:
		return nil, UnsupportedType{}
	}
}

// Decode parses bytes as the type-specific rdata grammar for rtype.
func Decode(rtype uint16, b []byte) (Data, error) {
	switch rtype {
	case TypeA:
		if len(b) != 4 {
			return nil, ParseError{rtype, "expected 4 bytes"}
		}
		return AData{Addr: netip.AddrFrom4([4]byte(b))}, nil
	case TypeAAAA:
		if len(b) != 16 {
			return nil, ParseError{rtype, "expected 16 bytes"}
		}
		return AAAAData{Addr: netip.AddrFrom16([16]byte(b))}, nil
	case TypeCNAME:
		name, n, err := decodeName(b)
		if err != nil || n != len(b) {
			return nil, ParseError{rtype, "malformed name"}
		}
		return CNAMEData{Target: name}, nil
	case TypePTR:
		name, n, err := decodeName(b)
		if err != nil || n != len(b) {
			return nil, ParseError{rtype, "malformed name"}
		}
		return PTRData{Target: name}, nil
	case TypeMX:
		if len(b) < 3 {
			return nil, ParseError{rtype, "truncated"}
		}
		pref := binary.BigEndian.Uint16(b)
		name, n, err := decodeName(b[2:])
		if err != nil || n != len(b)-2 {
			return nil, ParseError{rtype, "malformed exchange name"}
		}
		return MXData{Preference: pref, Exchange: name}, nil
	case TypeSOA:
		mname, n1, err := decodeName(b)
		if err != nil {
			return nil, ParseError{rtype, "malformed mname"}
		}
		rest := b[n1:]
		rname, n2, err := decodeName(rest)
		if err != nil {
			return nil, ParseError{rtype, "malformed rname"}
		}
		rest = rest[n2:]
		if len(rest) != 20 {
			return nil, ParseError{rtype, "truncated counters"}
		}
		return SOAData{
			MName:   mname,
			RName:   rname,
			Serial:  binary.BigEndian.Uint32(rest[0:]),
			Refresh: binary.BigEndian.Uint32(rest[4:]),
			Retry:   binary.BigEndian.Uint32(rest[8:]),
			Expire:  binary.BigEndian.Uint32(rest[12:]),
			Minimum: binary.BigEndian.Uint32(rest[16:]),
		}, nil
	case TypeSRV:
		if len(b) < 7 {
			return nil, ParseError{rtype, "truncated"}
		}
		target, n, err := decodeName(b[6:])
		if err != nil || n != len(b)-6 {
			return nil, ParseError{rtype, "malformed target name"}
		}
		return SRVData{
			Priority: binary.BigEndian.Uint16(b[0:]),
			Weight:   binary.BigEndian.Uint16(b[2:]),
			Port:     binary.BigEndian.Uint16(b[4:]),
			Target:   target,
		}, nil
	case TypeTXT:
		var strs []string
		i := 0
		for i < len(b) {
			l := int(b[i])
			i++
			if i+l > len(b) {
				return nil, ParseError{rtype, "truncated segment"}
			}
			strs = append(strs, string(b[i:i+l]))
			i += l
		}
		return TXTData{Strings: strs}, nil
	default:
		return OpaqueData{RRType: rtype, Bytes: append([]byte{}, b...)}, nil
	}
}

// ToOwned deep-copies a parsed github.com/miekg/dns RR (whose string/slice
// fields may alias a shared message buffer) into a standalone Data value.
func ToOwned(rr dns.RR) (Data, error) {
	switch v := rr.(type) {
	case *dns.A:
		addr, ok := netip.AddrFromSlice(v.A.To4())
		if !ok {
			return nil, ParseError{TypeA, "invalid address"}
		}
		return AData{Addr: addr}, nil
	case *dns.AAAA:
		addr, ok := netip.AddrFromSlice(v.AAAA.To16())
		if !ok {
			return nil, ParseError{TypeAAAA, "invalid address"}
		}
		return AAAAData{Addr: addr}, nil
	case *dns.CNAME:
		return CNAMEData{Target: CanonicalName(v.Target)}, nil
	case *dns.PTR:
		return PTRData{Target: CanonicalName(v.Ptr)}, nil
	case *dns.MX:
		return MXData{Preference: v.Preference, Exchange: CanonicalName(v.Mx)}, nil
	case *dns.SOA:
		return SOAData{
			MName:   CanonicalName(v.Ns),
			RName:   CanonicalName(v.Mbox),
			Serial:  v.Serial,
			Refresh: v.Refresh,
			Retry:   v.Retry,
			Expire:  v.Expire,
			Minimum: v.Minttl,
		}, nil
	case *dns.SRV:
		return SRVData{
			Priority: v.Priority,
			Weight:   v.Weight,
			Port:     v.Port,
			Target:   CanonicalName(v.Target),
		}, nil
	case *dns.TXT:
		return TXTData{Strings: append([]string{}, v.Txt...)}, nil
	default:
		rrtype := rr.Header().Rrtype
		raw, err := packRdata(rr)
		if err != nil {
			return nil, UnsupportedType{RRType: rrtype}
		}
		return OpaqueData{RRType: rrtype, Bytes: raw}, nil
	}
}

// packRdata extracts the raw rdata octets of rr by packing the whole RR
// and slicing off the fixed-size header plus RDLENGTH. Used only for the
// opaque pass-through path.
func packRdata(rr dns.RR) ([]byte, error) {
	buf := make([]byte, dns.MaxMsgSize)
	off, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return nil, err
	}
	full := buf[:off]
	// Re-derive header length precisely by packing a zero-rdata copy of the
	// same header and comparing prefix lengths.
	hdr := rr.Header()
	stub := &dns.RFC3597{Hdr: *hdr}
	stubBuf := make([]byte, dns.MaxMsgSize)
	stubOff, err := dns.PackRR(stub, stubBuf, 0, nil, false)
	if err != nil {
		return nil, err
	}
	// stub encodes an RFC3597 with zero-length rdata plus its own 2-byte
	// RDLENGTH field; its header prefix length equals full's header prefix.
	if stubOff > len(full) {
		return nil, fmt.Errorf("record: unexpected opaque encoding")
	}
	return full[stubOff:], nil
}

// HashRdata returns a stable, process-lifetime-deterministic 64-bit hash of
// rdata bytes, used only to disambiguate cache keys for multiple records
// sharing (owner, rtype, class).
func HashRdata(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// HashHex formats HashRdata's result the way cache keys encode it.
func HashHex(b []byte) string {
	return fmt.Sprintf("%016x", HashRdata(b))
}
