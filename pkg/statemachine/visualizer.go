package statemachine

import (
	"fmt"
	"sort"
	"strings"
)

// ToMermaid renders def as a Mermaid stateDiagram-v2 definition, adapted
// from the teacher's diagram generator to the new MachineDefinition/
// StateConfig shape. Useful for embedding in docs or a debug endpoint.
func ToMermaid(def *MachineDefinition) string {
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")
	b.WriteString(fmt.Sprintf("    [*] --> %s\n", def.InitialState))

	names := sortedStateNames(def)
	for _, name := range names {
		sc := def.States[name]
		if sc.IsFinal {
			b.WriteString(fmt.Sprintf("    %s --> [*]\n", name))
		}

		events := make([]string, 0, len(sc.Transitions))
		for ev := range sc.Transitions {
			events = append(events, ev)
		}
		sort.Strings(events)

		for _, ev := range events {
			t := sc.Transitions[ev]
			label := ev
			if ev == def.GlobalTimeoutType {
				label = fmt.Sprintf("timeout(%s)", sc.Timeout.Duration)
			}
			if t.Guard != nil {
				label += " [guarded]"
			}
			b.WriteString(fmt.Sprintf("    %s --> %s : %s\n", name, t.Target, label))
		}
	}
	return b.String()
}

// ToASCII renders a flat, human-scannable table of every state's
// transitions — handy in test failure output and CLI tooling where
// Mermaid markup isn't rendered.
func ToASCII(def *MachineDefinition) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("machine %q (initial=%s)\n", def.ID, def.InitialState))

	for _, name := range sortedStateNames(def) {
		sc := def.States[name]
		flags := ""
		if sc.IsOffline {
			flags += " offline"
		}
		if sc.IsFinal {
			flags += " final"
		}
		b.WriteString(fmt.Sprintf("  %s%s\n", name, flags))

		events := make([]string, 0, len(sc.Transitions))
		for ev := range sc.Transitions {
			events = append(events, ev)
		}
		sort.Strings(events)
		for _, ev := range events {
			t := sc.Transitions[ev]
			guarded := ""
			if t.Guard != nil {
				guarded = " (guarded)"
			}
			b.WriteString(fmt.Sprintf("    %s -> %s%s\n", ev, t.Target, guarded))
		}
		for ev := range sc.StayEvents {
			b.WriteString(fmt.Sprintf("    %s -> (stay)\n", ev))
		}
	}
	return b.String()
}

func sortedStateNames(def *MachineDefinition) []string {
	names := make([]string, 0, len(def.States))
	for name := range def.States {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
