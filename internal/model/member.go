package model

// GroupMember is one machine identity from a group's member listing.
// VirtHost names the virtualization host the guest runs on; an empty
// VirtHost means the member is a physical machine resolved via DNS.
type GroupMember struct {
	Identity string `json:"identity"`
	VirtHost string `json:"virt_host,omitempty"`
}

// Virtualized reports whether the member must be resolved through the
// virtualization API rather than DNS.
func (m GroupMember) Virtualized() bool {
	return m.VirtHost != ""
}

// ResolvedHost is a member's network identity. IPAddress may be empty when
// a virtualized guest has not reported an address yet; callers propagate
// the empty value instead of treating it as an error.
type ResolvedHost struct {
	IPAddress string `json:"ip_address"`
	Hostname  string `json:"hostname"`
}
