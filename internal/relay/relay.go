package relay

import (
	"fmt"
	"log/slog"

	"github.com/schjonhaug/tapcustody/internal/apdu"
)

// Transport moves one frame to the card and returns its answer. Implementations never
// interpret frames.
type Transport interface {
	Transmit(frame []byte) ([]byte, error)
}

// Relay is the untrusted pipe between the service and a card. It holds no keys and never maps
// transport failures to domain errors; they are returned as they came.
type Relay struct {
	transport Transport
}

func New(transport Transport) *Relay {
	return &Relay{transport: transport}
}

// Relay transmits a single frame and returns the card's answer with its status bytes intact.
func (r *Relay) Relay(frame []byte) ([]byte, error) {

	slog.Debug("RELAY", "Bytes", len(frame))

	rsp, err := r.transport.Transmit(frame)
	if err != nil {
		return nil, err
	}

	if sw, serr := apdu.StatusOf(rsp); serr == nil {
		slog.Debug("RELAY", "Status", sw.String(), "Bytes", len(rsp))
	}

	return rsp, nil

}

// RelayChain transmits frames in order and returns one answer per frame sent. It stops after
// the first answer whose status is neither success nor "more frames", so the service sees the
// failing status as the last answer. On a transport failure the answers collected so far are
// returned with the error.
func (r *Relay) RelayChain(frames [][]byte) ([][]byte, error) {
	return r.relay(frames, nil)
}

// RelaySteps is RelayChain where the listed statuses also count as success. Setup frames use
// it to tolerate a duplicate application or file.
func (r *Relay) RelaySteps(frames [][]byte, tolerated ...apdu.Status) ([][]byte, error) {
	return r.relay(frames, tolerated)
}

// Last is the final answer of a chain, nil when there is none.
func Last(answers [][]byte) []byte {
	if len(answers) == 0 {
		return nil
	}
	return answers[len(answers)-1]
}

func (r *Relay) relay(frames [][]byte, tolerated []apdu.Status) ([][]byte, error) {

	if len(frames) == 0 {
		return nil, fmt.Errorf("relay: no frames")
	}

	answers := make([][]byte, 0, len(frames))
	for i, frame := range frames {

		rsp, err := r.Relay(frame)
		if err != nil {
			return answers, err
		}
		answers = append(answers, rsp)

		sw, err := apdu.StatusOf(rsp)
		if err != nil {
			return answers, nil
		}
		if sw.Continues() || tolerates(tolerated, sw) {
			continue
		}

		if i+1 < len(frames) {
			slog.Debug("RELAY", "Stopped", i+1, "Of", len(frames), "Status", sw.String())
		}
		return answers, nil

	}

	return answers, nil

}

func tolerates(tolerated []apdu.Status, sw apdu.Status) bool {
	for _, t := range tolerated {
		if t == sw {
			return true
		}
	}
	return false
}
