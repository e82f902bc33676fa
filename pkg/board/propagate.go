package board

// Propagator pushes local mutations to connected peers. The sync
// engine implements it; entity stores call it after every durable
// write. Propagation failures are expected when no peer is connected
// and never roll back the local write.
type Propagator interface {
	BroadcastListing(listing *Listing)
	BroadcastDeal(deal *Deal)
	BroadcastUserInfo(user *User)
	SendDealProposal(peerID string, deal *Deal) bool
	SendDealResponse(peerID, dealID string, accepted bool, note string) bool
	SendChatMessage(peerID string, msg *Message) bool
}

// NopPropagator discards everything. Used by tests and by stores
// before the engine is wired in.
type NopPropagator struct{}

func (NopPropagator) BroadcastListing(*Listing)                         {}
func (NopPropagator) BroadcastDeal(*Deal)                               {}
func (NopPropagator) BroadcastUserInfo(*User)                           {}
func (NopPropagator) SendDealProposal(string, *Deal) bool               { return false }
func (NopPropagator) SendDealResponse(string, string, bool, string) bool { return false }
func (NopPropagator) SendChatMessage(string, *Message) bool             { return false }
