package avr

import (
	"fmt"
	"strings"
)

// Control-link command strings.
const (
	CmdRequestPower     = "?P"
	CmdPowerOn          = "PO"
	CmdPowerOff         = "PF"
	CmdRequestMute      = "?M"
	CmdMuteOn           = "MO"
	CmdMuteOff          = "MF"
	CmdRequestPanelLock = "?PKL"
	CmdRequestVolume    = "?V"
	CmdVolumeUp         = "VU"
	CmdVolumeDown       = "VD"
	CmdRequestInput     = "?F"

	// Panel lock setters mirror the PKL status digit.
	CmdPanelLockOn  = string(flagActive) + "PKL"
	CmdPanelLockOff = "1PKL"
)

// RemoteKey is a logical remote-control key.
type RemoteKey string

// Supported remote keys.
const (
	KeyUp    RemoteKey = "up"
	KeyDown  RemoteKey = "down"
	KeyLeft  RemoteKey = "left"
	KeyRight RemoteKey = "right"
	KeyEnter RemoteKey = "enter"
	KeyBack  RemoteKey = "back"
	KeyHome  RemoteKey = "home"
)

var remoteKeyCodes = map[RemoteKey]string{
	KeyUp:    "CUP",
	KeyDown:  "CDN",
	KeyLeft:  "CLE",
	KeyRight: "CRI",
	KeyEnter: "CEN",
	KeyBack:  "CRT",
	KeyHome:  "HM",
}

// RemoteKeyCommand returns the device code for key.
func RemoteKeyCommand(key RemoteKey) (string, bool) {
	code, ok := remoteKeyCodes[RemoteKey(strings.ToLower(string(key)))]
	return code, ok
}

// SetVolumeCommand encodes an absolute volume in percent.
func SetVolumeCommand(percent int) string {
	return fmt.Sprintf("%03dVL", PercentToNative(percent))
}

// NormalizeInputID zero-pads a one or two digit id to the native width.
func NormalizeInputID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if len(id) == 1 {
		id = "0" + id
	}
	if len(id) != 2 || !isDigits(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidInputID, id)
	}
	return id, nil
}

// SetInputCommand encodes an input selection.
func SetInputCommand(id string) (string, error) {
	norm, err := NormalizeInputID(id)
	if err != nil {
		return "", err
	}
	return norm + "FN", nil
}

// RenameInputCommand encodes a device-side rename. The name is truncated to
// the display limit before encoding.
func RenameInputCommand(id, name string) (string, error) {
	norm, err := NormalizeInputID(id)
	if err != nil {
		return "", err
	}
	return TruncateName(name) + "1RGB" + norm, nil
}

// InputDefinitionQuery encodes the discovery probe for one input id.
func InputDefinitionQuery(id string) string {
	return "?RGB" + id
}
