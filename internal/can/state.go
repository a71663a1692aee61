package can

import "context"

// BusState is the health of a CAN controller as observed by polling.
type BusState int32

const (
	Stopped BusState = iota
	Running
	BusOff
	Recovering
	Unknown
)

var busStateNames = [...]string{
	Stopped:    "stopped",
	Running:    "running",
	BusOff:     "bus_off",
	Recovering: "recovering",
	Unknown:    "unknown",
}

func (s BusState) String() string {
	if s < 0 || int(s) >= len(busStateNames) {
		return "unknown"
	}
	return busStateNames[s]
}

// ParseBusState maps a raw controller status code onto BusState.
// Codes outside the known range yield Unknown.
func ParseBusState(code int) BusState {
	if code < int(Stopped) || code > int(Recovering) {
		return Unknown
	}
	return BusState(code)
}

// Controller exposes the status and recovery surface of a CAN controller.
type Controller interface {
	PollStatus() BusState
	Start() error
	Recover() error
}

// Transmitter puts frames onto the local bus.
type Transmitter interface {
	Transmit(Frame) error
}

// Driver is a complete CAN transceiver: Run delivers every received frame to
// onFrame from the driver's own goroutine until ctx is done or the device fails.
type Driver interface {
	Controller
	Transmitter
	Run(ctx context.Context, onFrame func(Frame)) error
	Close() error
}
