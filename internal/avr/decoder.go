package avr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ResponseKind identifies what a control-link line reports.
type ResponseKind int

// Response kinds produced by DecodeLine.
const (
	// ResponseInputDefinition is an RGB line describing one input.
	ResponseInputDefinition ResponseKind = iota + 1

	// ResponseInputMissing is an E06 line: the probed input does not exist.
	ResponseInputMissing

	// ResponsePower is a PWR line.
	ResponsePower

	// ResponseMute is a MUT line.
	ResponseMute

	// ResponsePanelLock is a PKL line.
	ResponsePanelLock

	// ResponseVolume is a VOL line.
	ResponseVolume

	// ResponseInputSelected is an FN line.
	ResponseInputSelected
)

// String returns a short name for logging.
func (k ResponseKind) String() string {
	switch k {
	case ResponseInputDefinition:
		return "input_definition"
	case ResponseInputMissing:
		return "input_missing"
	case ResponsePower:
		return "power"
	case ResponseMute:
		return "mute"
	case ResponsePanelLock:
		return "panel_lock"
	case ResponseVolume:
		return "volume"
	case ResponseInputSelected:
		return "input_selected"
	default:
		return "unknown"
	}
}

// Response is one decoded control-link line.
type Response struct {
	Kind ResponseKind

	// Input is set for ResponseInputDefinition.
	Input Input

	// InputID is set for ResponseInputSelected.
	InputID string

	// On is set for power, mute and panel lock responses.
	On bool

	// NativeVolume and VolumePercent are set for ResponseVolume.
	NativeVolume  int
	VolumePercent int
}

// Response line prefixes.
const (
	prefixInputDefinition = "RGB"
	prefixInputMissing    = "E06"
	prefixPower           = "PWR"
	prefixMute            = "MUT"
	prefixPanelLock       = "PKL"
	prefixVolume          = "VOL"
	prefixInputSelected   = "FN"
)

// flagActive is the status digit the receiver uses for "on/engaged".
// PWR0 means powered on, MUT0 means muted, PKL0 means panel locked.
const flagActive = '0'

// DecodeLine decodes one framed control-link line.
//
// Unknown prefixes and malformed fields are not errors: the receiver emits
// many lines outside the supported grammar. The second return value is
// false for anything that should be ignored.
func DecodeLine(line string) (Response, bool) {
	switch {
	case strings.HasPrefix(line, prefixInputDefinition):
		return decodeInputDefinition(line)
	case strings.HasPrefix(line, prefixInputMissing):
		return Response{Kind: ResponseInputMissing}, true
	case strings.HasPrefix(line, prefixPower):
		return decodeFlag(line, ResponsePower)
	case strings.HasPrefix(line, prefixMute):
		return decodeFlag(line, ResponseMute)
	case strings.HasPrefix(line, prefixPanelLock):
		return decodeFlag(line, ResponsePanelLock)
	case strings.HasPrefix(line, prefixVolume):
		return decodeVolume(line)
	case strings.HasPrefix(line, prefixInputSelected):
		return decodeInputSelected(line)
	default:
		return Response{}, false
	}
}

// decodeInputDefinition parses "RGB" id(2) category(1) name.
func decodeInputDefinition(line string) (Response, bool) {
	const idStart, catPos, nameStart = 3, 5, 6
	if len(line) < nameStart {
		return Response{}, false
	}
	id := line[idStart:catPos]
	if !isDigits(id) {
		return Response{}, false
	}

	name := strings.TrimSpace(line[nameStart:])
	if name == "" {
		if e, ok := LookupCatalog(id); ok {
			name = e.Name
		}
	}

	return Response{
		Kind:  ResponseInputDefinition,
		Input: NewInput(id, name, resolveCategory(id, line[catPos])),
	}, true
}

// resolveCategory prefers the catalog, then the wire digit.
func resolveCategory(id string, wire byte) InputCategory {
	if e, ok := LookupCatalog(id); ok {
		return e.Category
	}
	if wire >= '0' && wire <= '9' {
		if c := InputCategory(wire - '0'); c.Valid() {
			return c
		}
	}
	return CategoryOther
}

func decodeFlag(line string, kind ResponseKind) (Response, bool) {
	const flagPos = 3
	if len(line) <= flagPos || !isDigit(line[flagPos]) {
		return Response{}, false
	}
	return Response{Kind: kind, On: line[flagPos] == flagActive}, true
}

func decodeVolume(line string) (Response, bool) {
	const start, end = 3, 6
	if len(line) < end || !isDigits(line[start:end]) {
		return Response{}, false
	}
	native, err := strconv.Atoi(line[start:end])
	if err != nil {
		return Response{}, false
	}
	return Response{
		Kind:          ResponseVolume,
		NativeVolume:  native,
		VolumePercent: NativeToPercent(native),
	}, true
}

func decodeInputSelected(line string) (Response, bool) {
	const start, end = 2, 4
	if len(line) < end || !isDigits(line[start:end]) {
		return Response{}, false
	}
	return Response{Kind: ResponseInputSelected, InputID: line[start:end]}, true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

// StatusSnapshot is the decoded form of the status endpoint document.
type StatusSnapshot struct {
	HasPower bool
	Power    bool

	// HasVolume is false when the document carried no volume or the
	// "unknown" sentinel (a negative value).
	HasVolume    bool
	NativeVolume int

	HasMute bool
	Muted   bool

	// Inputs pairs the document's code and name lists positionally.
	Inputs []Input
}

// statusDocument mirrors the JSON served by StatusHandler.asp.
type statusDocument struct {
	Zones  []statusZone `json:"Z"`
	Codes  []int        `json:"IC"`
	Labels []string     `json:"IL"`
}

type statusZone struct {
	Power  *flexBool `json:"P"`
	Volume *int      `json:"V"`
	Mute   *flexBool `json:"M"`
}

// flexBool accepts true/false as well as 0/1 numbers and strings.
type flexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	switch s {
	case "true", "1":
		*b = true
	case "false", "0", "", "null":
		*b = false
	default:
		return fmt.Errorf("%w: bad flag %q", ErrInvalidStatus, s)
	}
	return nil
}

// DecodeStatus parses a status endpoint document.
//
// Only the first zone is used. Input codes are zero-padded to two digits
// and their category comes from the catalog.
func DecodeStatus(data []byte) (StatusSnapshot, error) {
	var doc statusDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return StatusSnapshot{}, fmt.Errorf("%w: %w", ErrInvalidStatus, err)
	}

	var snap StatusSnapshot
	if len(doc.Zones) > 0 {
		z := doc.Zones[0]
		if z.Power != nil {
			snap.HasPower = true
			snap.Power = bool(*z.Power)
		}
		if z.Volume != nil && *z.Volume >= 0 {
			snap.HasVolume = true
			snap.NativeVolume = *z.Volume
		}
		if z.Mute != nil {
			snap.HasMute = true
			snap.Muted = bool(*z.Mute)
		}
	}

	n := min(len(doc.Codes), len(doc.Labels))
	for i := 0; i < n; i++ {
		if doc.Codes[i] < 0 || doc.Codes[i] > 99 {
			continue
		}
		id := fmt.Sprintf("%02d", doc.Codes[i])
		snap.Inputs = append(snap.Inputs, NewInput(id, strings.TrimSpace(doc.Labels[i]), CategoryFor(id)))
	}

	return snap, nil
}
