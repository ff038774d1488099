package striplib

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

const defaultProtocol = "tcp"

var protocols = NewSet("tcp", "udp", "sctp")

type Port struct {
	Number   int
	Protocol string
}

// ParsePort accepts `80` or `80/udp`, the form used by image configs for exposed ports
func ParsePort(s string) (Port, error) {
	num, proto, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found || proto == "" {
		proto = defaultProtocol
	}
	proto = strings.ToLower(proto)
	if !protocols.Has(proto) {
		return Port{}, fmt.Errorf("port %q has unsupported protocol %q", s, proto)
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return Port{}, fmt.Errorf("port %q is not a number: %w", s, err)
	}
	if n < 1 || n > 65535 {
		return Port{}, fmt.Errorf("port %q out of range 1-65535", s)
	}
	return Port{Number: n, Protocol: proto}, nil
}

func ParsePorts(specs []string) (Set[Port], error) {
	out := NewSet[Port]()
	for _, s := range specs {
		p, err := ParsePort(s)
		if err != nil {
			return nil, err
		}
		out.Add(p)
	}
	return out, nil
}

func (p Port) String() string {
	return fmt.Sprintf("%d/%s", p.Number, p.Protocol)
}

func (p Port) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Port) UnmarshalText(text []byte) error {
	parsed, err := ParsePort(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func ComparePorts(a, b Port) int {
	if c := cmp.Compare(a.Number, b.Number); c != 0 {
		return c
	}
	return cmp.Compare(a.Protocol, b.Protocol)
}
