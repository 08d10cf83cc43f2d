package trace

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format is the encoding of written events.
type Format uint8

const (
	// FormatAuto picks NDJSON for .ndjson and .jsonl outputs and text
	// otherwise.
	FormatAuto Format = iota
	FormatText
	FormatNDJSON
)

// ParseFormat converts a string to Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "text":
		return FormatText, nil
	case "ndjson", "json":
		return FormatNDJSON, nil
	default:
		return FormatAuto, fmt.Errorf("invalid trace format: %q (expected: auto|text|ndjson)", s)
	}
}

func resolveFormat(format Format, path string) Format {
	if format != FormatAuto {
		return format
	}
	if strings.HasSuffix(path, ".ndjson") || strings.HasSuffix(path, ".jsonl") {
		return FormatNDJSON
	}
	return FormatText
}

var start = time.Now()

// FormatEvent encodes one event as a line.
func FormatEvent(ev *Event, format Format) []byte {
	if format == FormatNDJSON {
		return formatNDJSON(ev)
	}
	return formatText(ev)
}

type jsonEvent struct {
	Time    string            `json:"time"`
	Seq     uint64            `json:"seq"`
	Kind    string            `json:"kind"`
	Scope   string            `json:"scope"`
	Span    uint64            `json:"span,omitempty"`
	Parent  uint64            `json:"parent,omitempty"`
	Name    string            `json:"name"`
	Address string            `json:"address,omitempty"`
	Err     string            `json:"error,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

func formatNDJSON(ev *Event) []byte {
	j := jsonEvent{
		Time:   ev.Time.Format(time.RFC3339Nano),
		Seq:    ev.Seq,
		Kind:   ev.Kind.String(),
		Scope:  ev.Scope.String(),
		Span:   ev.Span,
		Parent: ev.Parent,
		Name:   ev.Name,
		Err:    ev.Err,
	}
	if ev.Address != 0 {
		j.Address = "0x" + strconv.FormatUint(ev.Address, 16)
	}
	if len(ev.Attrs) > 0 {
		j.Attrs = make(map[string]string, len(ev.Attrs))
		for _, a := range ev.Attrs {
			j.Attrs[a.Key] = a.Value
		}
	}
	data, _ := json.Marshal(j) //nolint:errchkjson // strings and integers only
	return append(data, '\n')
}

var kindMarks = map[Kind]string{
	KindSpanBegin: "> ",
	KindSpanEnd:   "< ",
	KindPoint:     ". ",
	KindHeartbeat: "~ ",
}

// formatText writes "[elapsed] > name 0xaddr key=value !error", indented
// under a parent span.
func formatText(ev *Event) []byte {
	var sb strings.Builder
	var elapsed time.Duration
	if !ev.Time.IsZero() {
		elapsed = ev.Time.Sub(start)
	}
	fmt.Fprintf(&sb, "[%10.3fms] ", float64(elapsed.Microseconds())/1000)
	if ev.Parent != 0 {
		sb.WriteString("  ")
	}
	sb.WriteString(kindMarks[ev.Kind])
	sb.WriteString(ev.Name)
	if ev.Address != 0 {
		fmt.Fprintf(&sb, " %#x", ev.Address)
	}
	for _, a := range ev.Attrs {
		sb.WriteString(" ")
		sb.WriteString(a.Key)
		sb.WriteString("=")
		sb.WriteString(a.Value)
	}
	if ev.Err != "" {
		sb.WriteString(" !")
		sb.WriteString(ev.Err)
	}
	sb.WriteString("\n")
	return []byte(sb.String())
}
