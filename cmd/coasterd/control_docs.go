package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// ControlDoc describes one operator action the ride console exposes. Message
// names the WebSocket envelope type the action sends, so client tooling can
// map buttons to wire commands without a second source of truth.
type ControlDoc struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Message     string `json:"message,omitempty"`
	Shortcut    string `json:"shortcut,omitempty"`
}

// defaultControlDocs is the canonical description of the operator console.
// Hosting it on the service keeps client documentation and automated tests in
// sync with the protocol the hub actually accepts.
var defaultControlDocs = []ControlDoc{
	{
		ID:          "set-track",
		Label:       "Rebuild Track",
		Description: "Submit a new layout; the ride validates it and the train restarts from the station.",
		Message:     "set_track",
	},
	{
		ID:          "chain-lift",
		Label:       "Chain Lift",
		Description: "Engage or release the chain that hauls the train up to the first peak.",
		Message:     "set_chain_lift",
		Shortcut:    "Keyboard C",
	},
	{
		ID:          "reset",
		Label:       "Reset Ride",
		Description: "Return the train to the station at station speed and clear the ride statistics.",
		Message:     "reset",
		Shortcut:    "Keyboard R",
	},
	{
		ID:          "scrub-progress",
		Label:       "Scrub Progress",
		Description: "Drag the train to a position along the track for inspection runs.",
		Message:     "set_progress",
		Shortcut:    "Drag timeline",
	},
	{
		ID:          "set-speed",
		Label:       "Set Speed",
		Description: "Override the train speed within the safety envelope.",
		Message:     "set_speed",
		Shortcut:    "W / S",
	},
	{
		ID:          "validate",
		Label:       "Validate Layout",
		Description: "Run the safety checks on a draft layout without touching the live ride.",
		Message:     "validate",
	},
	{
		ID:          "bounds",
		Label:       "Show Bounds",
		Description: "Fetch the padded box the track occupies, for camera framing and placement.",
		Message:     "bounds",
	},
	{
		ID:          "stats",
		Label:       "Ride Statistics",
		Description: "Fetch the cumulative speed, g force, and airtime aggregates for the current ride.",
		Message:     "stats",
	},
}

// registerControlDocEndpoints serves the console documentation as JSON so
// other tooling can reuse it without extra parsing work.
func registerControlDocEndpoints(mux *http.ServeMux) {
	mux.HandleFunc("/api/controls", func(w http.ResponseWriter, r *http.Request) {
		// Serve a sorted copy so concurrent requests never touch the package slice.
		docs := append([]ControlDoc(nil), defaultControlDocs...)
		sort.SliceStable(docs, func(i, j int) bool {
			if docs[i].Label == docs[j].Label {
				return strings.Compare(docs[i].ID, docs[j].ID) < 0
			}
			return strings.Compare(docs[i].Label, docs[j].Label) < 0
		})

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(docs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
