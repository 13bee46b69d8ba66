package client

import "fmt"

// Handle identifies one controlled client. It is a plain value so it can be
// used as a map key and compared with ==.
type Handle struct {
	ID      string `json:"id" toml:"id"`
	Title   string `json:"title" toml:"title"`
	Address string `json:"address" toml:"address"` // adb serial, e.g. "127.0.0.1:5555"
}

func (h Handle) String() string {
	if h.Title != "" {
		return fmt.Sprintf("%s (%s)", h.ID, h.Title)
	}
	return h.ID
}

// IDs returns the ids of the given handles in order.
func IDs(hs []Handle) []string {
	ids := make([]string, len(hs))
	for i, h := range hs {
		ids[i] = h.ID
	}
	return ids
}
