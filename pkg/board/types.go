package board

// ListingCategory classifies a listing.
type ListingCategory string

const (
	CategoryGoods     ListingCategory = "goods"
	CategoryServices  ListingCategory = "services"
	CategoryHousing   ListingCategory = "housing"
	CategoryJobs      ListingCategory = "jobs"
	CategoryCommunity ListingCategory = "community"
	CategoryOther     ListingCategory = "other"
)

// ListingStatus is the lifecycle state of a listing. Deletion is a
// status transition, not physical removal, so the tombstone can still
// be gossiped to peers that have not seen it.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingPending   ListingStatus = "pending"
	ListingCompleted ListingStatus = "completed"
	ListingExpired   ListingStatus = "expired"
	ListingCancelled ListingStatus = "cancelled"
	ListingDeleted   ListingStatus = "deleted"
)

// DealStatus is the lifecycle state of a deal. Completed and cancelled
// are terminal.
type DealStatus string

const (
	DealProposed  DealStatus = "proposed"
	DealAccepted  DealStatus = "accepted"
	DealCompleted DealStatus = "completed"
	DealCancelled DealStatus = "cancelled"
	DealDisputed  DealStatus = "disputed"
)

// Terminal reports whether no further status transitions are allowed.
func (s DealStatus) Terminal() bool {
	return s == DealCompleted || s == DealCancelled
}

// User is a replicated profile. The id is locally generated and stable;
// the peerId may change when the user regenerates their identity.
type User struct {
	ID         string `json:"id"`
	PeerID     string `json:"peerId"`
	Name       string `json:"name"`
	Avatar     string `json:"avatar,omitempty"`
	Bio        string `json:"bio,omitempty"`
	Reputation int    `json:"reputation,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
	LastSeen   int64  `json:"lastSeen"`
}

// Listing is a bulletin-board entry, replicated to every peer.
type Listing struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    ListingCategory `json:"category"`
	Price       string          `json:"price,omitempty"`
	Location    string          `json:"location,omitempty"`
	Images      []string        `json:"images,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	CreatedBy   string          `json:"createdBy"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
	Status      ListingStatus   `json:"status"`
	ExpiresAt   int64           `json:"expiresAt,omitempty"`
}

// Deal tracks a negotiation between the initiator and the listing
// owner. OpenedBy accumulates the ids of users who viewed the deal and
// is never pruned.
type Deal struct {
	ID          string     `json:"id"`
	ListingID   string     `json:"listingId"`
	InitiatorID string     `json:"initiatorId"`
	RecipientID string     `json:"recipientId"`
	Status      DealStatus `json:"status"`
	Terms       string     `json:"terms,omitempty"`
	CreatedAt   int64      `json:"createdAt"`
	UpdatedAt   int64      `json:"updatedAt"`
	CompletedAt int64      `json:"completedAt,omitempty"`
	Opened      bool       `json:"opened,omitempty"`
	OpenedBy    []string   `json:"openedBy,omitempty"`
	LastOpened  int64      `json:"lastOpenedAt,omitempty"`
}

// Party reports whether the given user id is one of the two deal
// parties. Only parties may mutate a deal.
func (d *Deal) Party(userID string) bool {
	return d.InitiatorID == userID || d.RecipientID == userID
}

// Message is a chat line (or price offer) attached to a deal.
// Immutable once created.
type Message struct {
	ID         string `json:"id"`
	DealID     string `json:"dealId"`
	FromPeerID string `json:"fromPeerId"`
	ToPeerID   string `json:"toPeerId"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	Read       bool   `json:"read"`
	IsOffer    bool   `json:"isOffer,omitempty"`
	OfferPrice string `json:"offerPrice,omitempty"`
}

// ListingFilter selects and orders listings.
type ListingFilter struct {
	Search    string
	Category  ListingCategory
	Status    ListingStatus
	CreatedBy string
	PriceMin  float64
	PriceMax  float64
	SortBy    string // "newest", "oldest", "price_low", "price_high"
}
