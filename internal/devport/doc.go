// Package devport connects local devices to the gateway router.
//
// A device port turns device traffic into LocalPort input and delivers the
// router's output back to the addressed device. Three ports exist:
//   - UDPPort: each remote UDP address is one device
//   - LoRaBridge: each open modem connection is one device
//   - BusPort: an in-process Bus, used by the simulator and tests
//
// # Device IDs
//
// Device IDs are per gateway. UDP and bus devices are numbered from
// FirstDevice to LastDevice; LoRa connections occupy LoRaDeviceBase and
// above, so both ports can share one router.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package devport
