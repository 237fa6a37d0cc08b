package isotp

// Address identifies one logical ISO-TP connection. TxID is the
// arbitration id frames are sent on, RxID the id frames are received on,
// and FID the functional (broadcast) request id. Immutable once a channel
// is registered.
type Address struct {
	TxID uint32
	RxID uint32
	FID  uint32
}
