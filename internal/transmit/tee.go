package transmit

import (
	"errors"

	"firestige.xyz/spooftcp/internal/route"
	"firestige.xyz/spooftcp/internal/spoof"
)

// Tee hands every packet to each transmitter in order. A failing member does
// not stop the others; the joined error is returned.
type Tee []spoof.Transmitter

// Transmit implements spoof.Transmitter.
func (t Tee) Transmit(pkt *spoof.Packet, dst route.Destination) error {
	var errs []error
	for _, tx := range t {
		if err := tx.Transmit(pkt, dst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
