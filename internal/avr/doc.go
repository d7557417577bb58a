// Package avr implements the device communication layer for Pioneer-class
// audio/video receivers.
//
// A receiver is reached over two channels:
//
//	┌──────────────┐  enqueue  ┌──────────────┐  telnet (port 23)  ┌──────────┐
//	│ DeviceClient │──────────►│ CommandQueue │───────────────────►│          │
//	│   (client)   │           └──────────────┘                    │   AVR    │
//	│              │  GET /EventHandler.asp?WebToHostItem=...      │          │
//	│              │──────────────────────────────────────────────►│          │
//	└──────▲───────┘                                               └────┬─────┘
//	       │ events                 Link (line framing) + decoder       │
//	       └────────────────────────────────────────────────────────────┘
//
// # Key Responsibilities
//
//   - Maintain a single control-link session with fixed-interval retry
//   - Serialise outbound commands with a fixed inter-command delay
//   - Decode the ASCII response grammar into DeviceState mutations
//   - Route the handful of web-capable commands to the status endpoint
//   - Enumerate the inputs present on the unit (discovery)
//
// # Concurrency
//
// Connecting and sending are coordinated by one connection lock: a connect
// attempt holds it exclusively for the whole handshake, every transmission
// holds it shared. Inbound lines are decoded by a single reader goroutine in
// arrival order.
//
// All setters are fire-and-forget. State changes arrive later as events once
// the receiver reports them.
//
// # Example
//
//	client := avr.NewClient(avr.ClientOptions{Host: "192.168.1.40", Port: 23})
//	client.SetLogger(log)
//	unsubscribe := client.Subscribe(func(ev avr.Event) {
//	    if ev.Type == avr.EventStateChanged {
//	        fmt.Println(ev.State.VolumePercent)
//	    }
//	})
//	defer unsubscribe()
//
//	if err := client.Start(ctx); err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.PowerOn()
//	client.SetInput("25")
package avr
