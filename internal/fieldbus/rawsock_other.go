//go:build !linux

package fieldbus

import (
	"errors"
	"time"
)

// RawSocket is unavailable outside Linux: AF_PACKET raw sockets are a
// Linux-specific facility. Non-Linux builds can still exercise the full
// control loop against Simulated.
type RawSocket struct{}

func NewRawSocket() *RawSocket { return &RawSocket{} }

var errUnsupportedPlatform = errors.New("fieldbus: raw EtherCAT socket is only implemented on linux")

func (r *RawSocket) Open(adapter string) error                        { return errUnsupportedPlatform }
func (r *RawSocket) Close() error                                     { return nil }
func (r *RawSocket) ConfigInit() (int, error)                         { return 0, errUnsupportedPlatform }
func (r *RawSocket) ConfigDCSync(period time.Duration) error          { return errUnsupportedPlatform }
func (r *RawSocket) SDOWrite(slave int, index uint16, subindex uint8, data []byte) error {
	return errUnsupportedPlatform
}
func (r *RawSocket) RequestState(state NetworkState) error { return errUnsupportedPlatform }
func (r *RawSocket) State() (NetworkState, error)          { return 0, errUnsupportedPlatform }
func (r *RawSocket) ExchangePDO(outputs [][RxPDOSize]byte) ([][TxPDOSize]byte, error) {
	return nil, errUnsupportedPlatform
}
