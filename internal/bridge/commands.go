package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
)

// handleMQTTMessage parses a command from the command topic, executes it
// and publishes the acknowledgment.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", "topic", topic, "error", err)
		b.publishAck(NewAckError(CommandMessage{DeviceID: b.opts.DeviceID}, ErrCodeInvalidCommand,
			fmt.Sprintf("malformed command: %v", err)))
		return
	}
	if cmd.Source == "" {
		cmd.Source = "mqtt"
	}

	b.publishAck(b.Execute(context.Background(), cmd))
}

// Execute runs cmd against the receiver and returns its acknowledgment.
// It is shared by the MQTT command topic and the HTTP API. Receiver
// commands are asynchronous: an accepted ack means the command was queued
// on a transport, not that the receiver confirmed it.
func (b *Bridge) Execute(ctx context.Context, cmd CommandMessage) AckMessage {
	if cmd.ID == "" {
		cmd.ID = newCommandID()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = b.opts.DeviceID
	}

	if cmd.DeviceID != b.opts.DeviceID {
		return b.fail(cmd, ErrCodeNotConfigured, fmt.Sprintf("device %s not configured", cmd.DeviceID))
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"command", cmd.Command,
		"source", cmd.Source)

	ctrl := b.opts.Controller
	p := params(cmd.Parameters)

	switch cmd.Command {
	case CommandPower:
		on, err := p.boolean("on")
		if err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}
		ctrl.SetPower(on)

	case CommandMute:
		on, err := p.boolean("on")
		if err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}
		ctrl.SetMute(on)

	case CommandPanelLock:
		on, err := p.boolean("on")
		if err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}
		ctrl.SetPanelLock(on)

	case CommandVolume:
		percent, err := p.number("percent")
		if err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}
		if percent < 0 || percent > 100 {
			return b.fail(cmd, ErrCodeInvalidParameters,
				fmt.Sprintf("'percent' must be 0-100, got %.2f", percent))
		}
		ctrl.SetVolume(int(math.Round(percent)))

	case CommandVolumeStep:
		direction, err := p.str("direction")
		if err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}
		switch strings.ToLower(direction) {
		case "up":
			ctrl.VolumeUp()
		case "down":
			ctrl.VolumeDown()
		default:
			return b.fail(cmd, ErrCodeInvalidParameters,
				fmt.Sprintf("'direction' must be up or down, got %q", direction))
		}

	case CommandInput:
		id, err := p.str("id")
		if err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}
		if err := ctrl.SetInput(id); err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}

	case CommandRenameInput:
		id, err := p.str("id")
		if err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}
		name, err := p.str("name")
		if err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}
		if err := ctrl.RenameInput(id, name); err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}

	case CommandRemoteKey:
		key, err := p.str("key")
		if err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}
		if _, ok := avr.RemoteKeyCommand(avr.RemoteKey(key)); !ok {
			return b.fail(cmd, ErrCodeInvalidParameters, fmt.Sprintf("unknown remote key %q", key))
		}
		ctrl.SendRemoteKey(avr.RemoteKey(key))

	case CommandRefresh:
		ctrl.RefreshState()

	case CommandDiscover:
		ctrl.RequestInputDefinitions()

	case CommandSetInputHidden:
		id, err := p.str("id")
		if err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}
		hidden, err := p.boolean("hidden")
		if err != nil {
			return b.fail(cmd, ErrCodeInvalidParameters, err.Error())
		}
		if err := b.SetInputHidden(ctx, id, hidden); err != nil {
			return b.fail(cmd, codeFor(err), err.Error())
		}
		// Preferences never touch the receiver.
		return NewAckMessage(cmd, AckAccepted)

	default:
		return b.fail(cmd, ErrCodeInvalidCommand, fmt.Sprintf("unknown command: %s", cmd.Command))
	}

	return NewAckMessage(cmd, b.deliveryStatus())
}

// deliveryStatus reports whether receiver commands go out now or wait for
// the control link.
func (b *Bridge) deliveryStatus() AckStatus {
	ctrl := b.opts.Controller
	if ctrl.LinkState() == avr.StateConnected || ctrl.WebAvailability() == avr.AvailabilityAvailable {
		return AckAccepted
	}
	return AckQueued
}

func (b *Bridge) fail(cmd CommandMessage, code, message string) AckMessage {
	b.logWarn("command failed",
		"command_id", cmd.ID,
		"command", cmd.Command,
		"code", code,
		"message", message)
	return NewAckError(cmd, code, message)
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, avr.ErrInvalidInputID):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrPreferencesUnavailable):
		return ErrCodeNotConfigured
	default:
		return ErrCodeBridgeError
	}
}

// params wraps command parameters with typed accessors.
type params map[string]any

func (p params) boolean(key string) (bool, error) {
	v, ok := p[key]
	if !ok {
		return false, fmt.Errorf("missing '%s' parameter", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("'%s' must be a boolean", key)
	}
	return b, nil
}

func (p params) number(key string) (float64, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("missing '%s' parameter", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("'%s' must be a number", key)
	}
}

func (p params) str(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("missing '%s' parameter", key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("'%s' must be a non-empty string", key)
	}
	return s, nil
}
