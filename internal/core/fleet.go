package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	prov "github.com/synthmsg/botfleet/internal/providers"
)

// Member is one fleet machine as observed in the latest provider listing.
type Member struct {
	Name       string
	Ordinal    int
	HasOrdinal bool
	ID         string
	Status     prov.Status
	Address    string
}

// MemberName builds the identity of the member with the given ordinal.
func MemberName(prefix string, ordinal int) string {
	return fmt.Sprintf("%s-%d", prefix, ordinal)
}

// ParseOrdinal reads the integer after the last dash of name.
func ParseOrdinal(name string) (int, bool) {
	i := strings.LastIndexByte(name, '-')
	if i < 0 || i == len(name)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func memberFromInstance(inst prov.Instance) Member {
	m := Member{
		Name:    inst.Name,
		ID:      inst.ID,
		Status:  inst.Status,
		Address: inst.PublicIP,
	}
	if m.Status == "" {
		m.Status = prov.StatusUnknown
	}
	m.Ordinal, m.HasOrdinal = ParseOrdinal(inst.Name)
	return m
}

// Matcher decides whether an instance name belongs to the fleet.
type Matcher func(name string) bool

// SubstringMatcher matches any name containing prefix, anywhere.
func SubstringMatcher(prefix string) Matcher {
	return func(name string) bool { return strings.Contains(name, prefix) }
}

// AnchoredMatcher matches only names of the form prefix-<ordinal>.
func AnchoredMatcher(prefix string) Matcher {
	return func(name string) bool {
		if !strings.HasPrefix(name, prefix+"-") {
			return false
		}
		_, ok := ParseOrdinal(name)
		return ok && !strings.Contains(name[len(prefix)+1:], "-")
	}
}

// ProvisionRequest asks for Count new members.
type ProvisionRequest struct {
	Count       int
	Plan        string
	Region      string
	ImageMarker string
	Credential  string
}

// CreateResult is the outcome of creating one member in a bootup batch.
type CreateResult struct {
	Name     string
	Ordinal  int
	Instance prov.Instance
	Err      error
}

// DeleteResult is the outcome of deleting one member.
type DeleteResult struct {
	Member Member
	Err    error
}

// MemberStatus pairs a member with its normalized status and display address.
type MemberStatus struct {
	Member  Member
	Status  prov.Status
	Address string
}

// AddressPlaceholder stands in for members without a public address.
const AddressPlaceholder = "-"

type Discipline int

const (
	Concurrent Discipline = iota
	Sequential
)

func (d Discipline) String() string {
	if d == Sequential {
		return "sequential"
	}
	return "concurrent"
}

// Plan is a command plus how to fan it out. A positive Delay selects the
// sequential discipline.
type Plan struct {
	Command string
	Delay   time.Duration
}

func (p Plan) Discipline() Discipline {
	if p.Delay > 0 {
		return Sequential
	}
	return Concurrent
}

// Outcome is the per-host result of a dispatched command. ExitStatus is nil
// when the command never ran.
type Outcome struct {
	Host       string
	ExitStatus *int
	Stdout     []string
	Err        error
}

func (o Outcome) Failed() bool {
	return o.Err != nil || (o.ExitStatus != nil && *o.ExitStatus != 0)
}

// ExitCode returns a pointer to code, for building outcomes.
func ExitCode(code int) *int { return &code }

// SplitLines turns captured output into lines without the trailing newline.
func SplitLines(b []byte) []string {
	s := strings.TrimRight(string(b), "\r\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}
