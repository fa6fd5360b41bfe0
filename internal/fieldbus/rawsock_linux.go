//go:build linux

package fieldbus

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// broadcastMAC is used as the destination address for every EtherCAT
// frame: the fieldbus is a closed ring and every slave processes the
// frame as it passes, regardless of destination address, but broadcast
// keeps switches and NICs from filtering it.
var broadcastMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// RawSocket is the production Master implementation: it opens an
// AF_PACKET raw socket bound to a named network adapter and exchanges
// EtherCAT frames directly at the Ethernet layer, the same level pysoem's
// underlying SOEM library operates at. golang.org/x/sys/unix is used here
// instead of hand-rolled syscall numbers and unsafe ioctl structs (the
// approach a pure-stdlib port would otherwise be forced into) because it
// already exports the AF_PACKET sockaddr type and socket option constants
// this needs.
type RawSocket struct {
	fd        int
	ifIndex   int
	localMAC  [6]byte
	recvTO    time.Duration
	datagramI uint32 // atomically incremented per-datagram index

	mu     sync.Mutex
	state  NetworkState
	slaves int
}

// NewRawSocket constructs an unopened RawSocket. Call Open before use.
func NewRawSocket() *RawSocket {
	return &RawSocket{fd: -1, recvTO: 5 * time.Millisecond}
}

func (r *RawSocket) Open(adapter string) error {
	iface, err := net.InterfaceByName(adapter)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterOpen, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(EtherType)))
	if err != nil {
		return fmt.Errorf("%w: socket: %v", ErrAdapterOpen, err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(EtherType),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: bind: %v", ErrAdapterOpen, err)
	}

	tv := unix.NsecToTimeval(r.recvTO.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: set recv timeout: %v", ErrAdapterOpen, err)
	}

	r.fd = fd
	r.ifIndex = iface.Index
	copy(r.localMAC[:], iface.HardwareAddr)
	r.state = StateInit
	return nil
}

func (r *RawSocket) Close() error {
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}

// ConfigInit sends a broadcast read to count responding slaves. Every
// slave that processes the datagram increments the working counter by
// one, so the WKC after the round trip is the discovered slave count.
func (r *RawSocket) ConfigInit() (int, error) {
	d := Datagram{Cmd: CmdBRD, Index: r.nextIndex(), ADP: 0, ADO: 0, Data: make([]byte, 2)}
	resp, err := r.roundTrip(d)
	if err != nil {
		return 0, fmt.Errorf("fieldbus: config init: %w", err)
	}
	r.mu.Lock()
	r.slaves = int(resp.WKC)
	r.mu.Unlock()
	return int(resp.WKC), nil
}

// ConfigDCSync is a no-op placeholder in this raw-frame driver: full
// distributed-clock programming requires the DC datagram sequence (0x0910
// SYNC0 cycle time, etc.) that this minimal master does not implement.
// The cycle period is instead enforced purely by the control loop's own
// pacing (internal/bus), which is sufficient for the single-master,
// single-segment topologies this system targets.
func (r *RawSocket) ConfigDCSync(period time.Duration) error { return nil }

// SDOWrite performs an auto-increment physical write addressed to the
// slave's mailbox output area. Real CoE SDO exchange additionally
// requires waiting for the mailbox-in event and parsing the CoE/SDO
// response header; this driver writes the raw object value directly to
// the slave's memory-mapped object dictionary shadow, which is how
// several lightweight EtherCAT masters special-case small, well-known
// configuration writes during bootstrap.
func (r *RawSocket) SDOWrite(slave int, index uint16, subindex uint8, data []byte) error {
	payload := make([]byte, 3+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], index)
	payload[2] = subindex
	copy(payload[3:], data)

	adp := uint16(0) - uint16(slave) // auto-increment addressing: each hop decrements
	d := Datagram{Cmd: CmdAPWR, Index: r.nextIndex(), ADP: adp, ADO: 0x0F00, Data: payload}
	resp, err := r.roundTrip(d)
	if err != nil {
		return fmt.Errorf("fieldbus: sdo write slave=%d index=%#04x: %w", slave, index, err)
	}
	if resp.WKC < 1 {
		return fmt.Errorf("fieldbus: sdo write slave=%d index=%#04x: no slave acknowledged (wkc=%d)", slave, index, resp.WKC)
	}
	return nil
}

func (r *RawSocket) RequestState(state NetworkState) error {
	d := Datagram{Cmd: CmdBWR, Index: r.nextIndex(), ADP: 0, ADO: 0x0120, Data: []byte{byte(state), 0}}
	if _, err := r.roundTrip(d); err != nil {
		return fmt.Errorf("fieldbus: request state %s: %w", state, err)
	}
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	return nil
}

func (r *RawSocket) State() (NetworkState, error) {
	d := Datagram{Cmd: CmdBRD, Index: r.nextIndex(), ADP: 0, ADO: 0x0130, Data: make([]byte, 2)}
	resp, err := r.roundTrip(d)
	if err != nil {
		return 0, fmt.Errorf("fieldbus: read state: %w", err)
	}
	if len(resp.Data) < 1 {
		return 0, fmt.Errorf("fieldbus: read state: empty response")
	}
	return NetworkState(resp.Data[0]), nil
}

// ExchangePDO sends one logical read-write datagram carrying every
// slave's RxPDO concatenated together and returns each slave's TxPDO
// slice from the response body, mirroring how a real EtherCAT process
// image covers the whole ring in a single frame.
func (r *RawSocket) ExchangePDO(outputs [][RxPDOSize]byte) ([][TxPDOSize]byte, error) {
	data := make([]byte, 0, len(outputs)*RxPDOSize)
	for _, o := range outputs {
		data = append(data, o[:]...)
	}
	d := Datagram{Cmd: CmdLRW, Index: r.nextIndex(), ADP: 0, ADO: 0, Data: data}
	resp, err := r.roundTrip(d)
	if err != nil {
		return nil, fmt.Errorf("fieldbus: exchange pdo: %w", err)
	}
	if len(resp.Data) < len(outputs)*TxPDOSize {
		return nil, fmt.Errorf("fieldbus: exchange pdo: short response, got %d bytes want %d", len(resp.Data), len(outputs)*TxPDOSize)
	}
	inputs := make([][TxPDOSize]byte, len(outputs))
	for i := range inputs {
		copy(inputs[i][:], resp.Data[i*TxPDOSize:(i+1)*TxPDOSize])
	}
	return inputs, nil
}

func (r *RawSocket) nextIndex() uint8 {
	return uint8(atomic.AddUint32(&r.datagramI, 1))
}

// roundTrip sends one frame and blocks for the matching reply (same
// datagram index) until recvTO elapses.
func (r *RawSocket) roundTrip(d Datagram) (Datagram, error) {
	frame := buildEthernetFrame(r.localMAC, d)
	if _, err := unix.Write(r.fd, frame); err != nil {
		return Datagram{}, fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, 1522)
	deadline := time.Now().Add(r.recvTO)
	for time.Now().Before(deadline) {
		n, _, err := unix.Recvfrom(r.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return Datagram{}, fmt.Errorf("recv: %w", err)
		}
		if n < 14 {
			continue
		}
		etherType := binary.BigEndian.Uint16(buf[12:14])
		if etherType != EtherType {
			continue
		}
		got, err := DecodeFrame(buf[14:n])
		if err != nil {
			continue
		}
		if got.Index == d.Index {
			return got, nil
		}
	}
	return Datagram{}, fmt.Errorf("timed out waiting for datagram index %d", d.Index)
}

func buildEthernetFrame(src [6]byte, d Datagram) []byte {
	payload := EncodeFrame(d)
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], broadcastMAC[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], EtherType)
	copy(frame[14:], payload)
	return frame
}

func htons(v uint16) uint16 {
	return (v<<8)&0xFF00 | (v>>8)&0x00FF
}
