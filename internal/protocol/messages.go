package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ParticipantName string     `json:"participant_name"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ParticipantID   string         `json:"participant_id"`
	SessionID       string         `json:"session_id"`
	WorldParams     WorldParams    `json:"world_params"`
	Catalogs        CatalogDigests `json:"catalogs"`
}

type WorldParams struct {
	TickRateHz            int    `json:"tick_rate_hz"`
	DayTicks              int    `json:"day_ticks"`
	LockRequestTicks      int    `json:"lock_request_ticks"`
	CraftLockTimeoutTicks int    `json:"craft_lock_timeout_ticks"`
	TagSymbol             string `json:"tag_symbol"`
	TagNamespace          string `json:"tag_namespace"`
}

type CatalogDigests struct {
	ItemsDigest   string `json:"items_digest"`
	RecipesDigest string `json:"recipes_digest"`
}

// NODE_CONFIG (server -> client): full configuration state of every storage node, sent on join
// and whenever a node's configuration changes.
type NodeConfigMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Tick            uint64      `json:"tick"`
	Full            bool        `json:"full"`
	Nodes           []NodeEntry `json:"nodes"`
}

type NodeEntry struct {
	NodeID   string            `json:"node_id"`
	Kind     string            `json:"kind,omitempty"`
	Location string            `json:"location,omitempty"`
	Pos      *[2]int           `json:"pos,omitempty"`
	HeldBy   string            `json:"held_by,omitempty"`
	Capacity int               `json:"capacity"`
	Tags     map[string]string `json:"tags"`
}

// Lock operations.
const (
	LockClaim   = "CLAIM"
	LockRelease = "RELEASE"
)

// LOCK (client -> server)
type LockMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Op              string `json:"op"`
	NodeID          string `json:"node_id"`
}

// LOCK_EVENT (server -> all clients)
type LockEventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Verdict         string `json:"verdict"`
	NodeID          string `json:"node_id"`
	Requester       string `json:"requester"`
	Holder          string `json:"holder,omitempty"`
	Tick            uint64 `json:"tick"`
}

// Intent types carried by ACT.
const (
	IntentMove      = "MOVE"
	IntentStash     = "STASH"
	IntentCraft     = "CRAFT"
	IntentSetConfig = "SET_CONFIG"
	IntentLockSlot  = "LOCK_SLOT"
	IntentPlace     = "PLACE"
	IntentPickup    = "PICKUP"
	IntentDestroy   = "DESTROY"
)

// ACT (client -> server)
type ActMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ID              string   `json:"id"`
	Intents         []Intent `json:"intents"`
}

// Intent is a flat union; only the fields of its Type are read.
type Intent struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// MOVE, PLACE
	Location string  `json:"location,omitempty"`
	Pos      *[2]int `json:"pos,omitempty"`

	// CRAFT
	RecipeID string `json:"recipe_id,omitempty"`
	Batch    int    `json:"batch,omitempty"`

	// SET_CONFIG, PLACE, PICKUP
	NodeID string            `json:"node_id,omitempty"`
	Config map[string]string `json:"config,omitempty"`

	// LOCK_SLOT
	Slot   *int `json:"slot,omitempty"`
	Locked bool `json:"locked,omitempty"`
}

// RESULT (server -> client): outcome of one intent.
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	Kind            string `json:"kind"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Tick            uint64 `json:"tick"`
}

type ItemStack struct {
	Slot   int    `json:"slot"`
	Item   string `json:"item"`
	Count  int    `json:"count"`
	Locked bool   `json:"locked,omitempty"`
}

// STATE (server -> client): the participant's own view after each tick it acted in.
type StateMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Tick            uint64      `json:"tick"`
	ParticipantID   string      `json:"participant_id"`
	Location        string      `json:"location"`
	Pos             [2]int      `json:"pos"`
	Inventory       []ItemStack `json:"inventory"`
}
