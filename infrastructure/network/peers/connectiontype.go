package peers

// ConnectionType describes the role of a connection: who initiated it and
// what traffic it carries.
type ConnectionType int

// Connection types.
const (
	// ConnectionTypeInbound is a connection initiated by the remote peer.
	ConnectionTypeInbound ConnectionType = iota

	// ConnectionTypeOutboundFullRelay is an outbound connection relaying
	// blocks, transactions and addresses.
	ConnectionTypeOutboundFullRelay

	// ConnectionTypeOutboundBlockRelay is an outbound connection used only
	// for block data, to diversify chain-data sources without exposing the
	// full relay surface.
	ConnectionTypeOutboundBlockRelay

	// ConnectionTypeOutboundFeeler is a short-lived outbound connection used
	// to test candidate addresses.
	ConnectionTypeOutboundFeeler

	// ConnectionTypeOutboundManual is an outbound connection the operator
	// requested explicitly.
	ConnectionTypeOutboundManual
)

// IsOutbound returns whether this node initiated connections of this type.
func (ct ConnectionType) IsOutbound() bool {
	return ct != ConnectionTypeInbound
}

func (ct ConnectionType) String() string {
	switch ct {
	case ConnectionTypeInbound:
		return "inbound"
	case ConnectionTypeOutboundFullRelay:
		return "outbound-full-relay"
	case ConnectionTypeOutboundBlockRelay:
		return "outbound-block-relay"
	case ConnectionTypeOutboundFeeler:
		return "outbound-feeler"
	case ConnectionTypeOutboundManual:
		return "outbound-manual"
	default:
		return "unknown"
	}
}
