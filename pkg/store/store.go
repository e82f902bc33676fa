package store

import "errors"

// Logical store names. Each entity type lives in its own keyed store.
const (
	Users    = "users"
	Listings = "listings"
	Deals    = "deals"
	Messages = "messages"
)

// Index names are JSON field names of the stored records.
const (
	IndexDealID      = "dealId"
	IndexListingID   = "listingId"
	IndexCreatedBy   = "createdBy"
	IndexInitiatorID = "initiatorId"
	IndexRecipientID = "recipientId"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("record store is closed")

// RecordStore is the durable keyed backing behind the in-memory entity
// collections. Records are JSON documents keyed by entity id. A put for
// an existing key overwrites the record; Get reports presence with the
// bool return rather than an error.
type RecordStore interface {
	Put(store, key string, record []byte) error
	Get(store, key string) ([]byte, bool, error)
	GetAll(store string) ([][]byte, error)
	Delete(store, key string) error
	// QueryByIndex returns every record in the store whose top-level
	// JSON field named index equals value.
	QueryByIndex(store, index, value string) ([][]byte, error)
	Close() error
}
