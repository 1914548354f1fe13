package listsync

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; they run on fetch,
// mutation and push paths. Wrap with hooks/async when in doubt.
type Hooks interface {
	// A load or load_more call failed after its retry.
	FetchFailed(key, op string, err error)

	// A fetch response arrived after the key's generation moved and was dropped.
	// op ∈ {"load", "load_more", "load_item"}
	StaleResponseDropped(key, op string)

	// A server write landed on a key with optimistic layers and was rebased
	// underneath them. pending is the number of layers replayed.
	ConflictResolved(key string, pending int)

	MutationCommitted(id, action string, targets int)
	MutationRolledBack(id, action string, err error)

	// A push signal was parked until the entity's in-flight mutation resolves.
	SignalDeferred(entityType, entityID string)

	// The push stream failed or disconnected. Health indicators hang off this.
	StreamError(err error)

	// A spilled entry was deleted on restore.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode", "key_mismatch"}
	SpillRejected(storageKey, reason string)

	// GenStore errors (snapshot or bump).
	GenStoreError(key string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) FetchFailed(string, string, error)        {}
func (NopHooks) StaleResponseDropped(string, string)      {}
func (NopHooks) ConflictResolved(string, int)             {}
func (NopHooks) MutationCommitted(string, string, int)    {}
func (NopHooks) MutationRolledBack(string, string, error) {}
func (NopHooks) SignalDeferred(string, string)            {}
func (NopHooks) StreamError(error)                        {}
func (NopHooks) SpillRejected(string, string)             {}
func (NopHooks) GenStoreError(string, error)              {}
