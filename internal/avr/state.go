package avr

import (
	"sort"
	"sync"
)

// Volume domain constants.
const (
	// MaxNativeVolume is the top of the receiver's native volume scale.
	MaxNativeVolume = 185

	// MaxInputNameLength is the receiver's display limit for input names.
	MaxInputNameLength = 14
)

// Input is one source selectable on the receiver.
// Values are immutable; a rename produces a new Input.
type Input struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Category InputCategory `json:"category"`
}

// NewInput builds an Input, truncating name to the display limit.
func NewInput(id, name string, category InputCategory) Input {
	return Input{ID: id, Name: TruncateName(name), Category: category}
}

// TruncateName cuts name to MaxInputNameLength characters.
func TruncateName(name string) string {
	r := []rune(name)
	if len(r) > MaxInputNameLength {
		return string(r[:MaxInputNameLength])
	}
	return name
}

// DeviceState is the last observed state of the receiver.
type DeviceState struct {
	Power         bool   `json:"power"`
	Muted         bool   `json:"muted"`
	PanelLock     bool   `json:"panel_lock"`
	VolumePercent int    `json:"volume_percent"`
	CurrentInput  *Input `json:"current_input,omitempty"`
}

// NativeToPercent projects a native volume step onto 0..100 using floor
// division. Out-of-range values are clamped.
func NativeToPercent(native int) int {
	if native < 0 {
		native = 0
	}
	if native > MaxNativeVolume {
		native = MaxNativeVolume
	}
	return native * 100 / MaxNativeVolume
}

// PercentToNative maps a percentage onto the native scale using floor
// division. The two projections use different scale factors, so a value
// does not always survive a round trip (1% -> 1 -> 0%).
func PercentToNative(percent int) int {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return percent * MaxNativeVolume / 100
}

// stateModel holds DeviceState and the input registry.
// Writers are the decoder path; readers get copies.
type stateModel struct {
	mu     sync.RWMutex
	state  DeviceState
	inputs map[string]Input
}

func newStateModel() *stateModel {
	return &stateModel{inputs: make(map[string]Input)}
}

// snapshot returns a copy of the current state.
func (m *stateModel) snapshot() DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *stateModel) snapshotLocked() DeviceState {
	s := m.state
	if s.CurrentInput != nil {
		in := *s.CurrentInput
		s.CurrentInput = &in
	}
	return s
}

// update applies fn under the write lock and returns the resulting snapshot.
func (m *stateModel) update(fn func(s *DeviceState)) DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
	return m.snapshotLocked()
}

// putInput inserts or replaces an input. If it is the current input the
// current input is replaced too, so a rename is reflected in state.
func (m *stateModel) putInput(in Input) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[in.ID] = in
	if m.state.CurrentInput != nil && m.state.CurrentInput.ID == in.ID {
		cur := in
		m.state.CurrentInput = &cur
	}
}

func (m *stateModel) input(id string) (Input, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.inputs[id]
	return in, ok
}

// selectInput sets the current input when id is registered.
func (m *stateModel) selectInput(id string) (DeviceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inputs[id]
	if !ok {
		return DeviceState{}, false
	}
	m.state.CurrentInput = &in
	return m.snapshotLocked(), true
}

func (m *stateModel) inputCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.inputs)
}

// inputList returns registered inputs ordered by id.
func (m *stateModel) inputList() []Input {
	m.mu.RLock()
	out := make([]Input, 0, len(m.inputs))
	for _, in := range m.inputs {
		out = append(out, in)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
