// Package strategy defines the fetch strategies and risk levels shared by
// every component of the engine, and the escalation chain between them.
//
// Strategies are ordered by cost and evasiveness. A single request may only
// ever move up this order, never down.
package strategy

import (
	"fmt"
	"strings"
)

// ID identifies a fetch strategy. The zero value is Lightweight.
type ID int

const (
	Lightweight  ID = iota // plain HTTP, no rendering
	Stealth                // headless browser with stealth scripting
	UltraStealth           // headful browser, heavier evasion, human behaviour
)

// All lists every strategy from lightest to heaviest.
var All = []ID{Lightweight, Stealth, UltraStealth}

func (id ID) String() string {
	switch id {
	case Lightweight:
		return "lightweight"
	case Stealth:
		return "stealth"
	case UltraStealth:
		return "ultra_stealth"
	default:
		return fmt.Sprintf("strategy(%d)", int(id))
	}
}

// Valid reports whether id is one of the known strategies.
func (id ID) Valid() bool {
	return id >= Lightweight && id <= UltraStealth
}

// Next returns the strategy one step heavier than id. UltraStealth is its
// own successor.
func (id ID) Next() ID {
	if id >= UltraStealth {
		return UltraStealth
	}
	return id + 1
}

// Parse converts a strategy name to an ID. It accepts the canonical names
// plus a few spellings seen in configuration files.
func Parse(s string) (ID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lightweight", "light", "http":
		return Lightweight, nil
	case "stealth", "headless":
		return Stealth, nil
	case "ultra_stealth", "ultrastealth", "ultra-stealth", "ultra", "headful":
		return UltraStealth, nil
	}
	return Lightweight, fmt.Errorf("strategy: unknown strategy %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("strategy: invalid strategy %d", int(id))
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// Chain returns the escalation chain starting at start: start itself followed
// by every heavier strategy in order.
func Chain(start ID) []ID {
	if !start.Valid() {
		start = Lightweight
	}
	chain := make([]ID, 0, len(All)-int(start))
	for _, id := range All[start:] {
		chain = append(chain, id)
	}
	return chain
}
