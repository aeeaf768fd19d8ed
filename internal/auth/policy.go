package auth

// Policy decides, for an absent or pending minion, whether the key should
// be auto-rejected or auto-signed before the normal state machine runs
// (§4.4 step 4, "auto-reject and auto-sign policy evaluation against
// autosign_grains").
type Policy interface {
	Evaluate(id string, grains map[string]interface{}) (autoReject, autoSign bool)
}

// StaticPolicy implements the common case: a master-wide auto_accept
// setting plus an explicit reject list, with no grains matching. Grounded
// on original_source/salt/daemons/masterapi.py's AutoKey, trimmed to the
// precedence this spec actually exercises: auto-reject always wins.
type StaticPolicy struct {
	AutoSign   bool
	RejectIDs  map[string]bool
	AutoSignID map[string]bool
}

// NewStaticPolicy builds a Policy from the master's auto_accept config
// option plus optional per-ID allow/deny lists (autosign.conf / reject.conf
// equivalents).
func NewStaticPolicy(autoAccept bool, rejectIDs, autoSignIDs []string) *StaticPolicy {
	p := &StaticPolicy{
		AutoSign:   autoAccept,
		RejectIDs:  make(map[string]bool, len(rejectIDs)),
		AutoSignID: make(map[string]bool, len(autoSignIDs)),
	}
	for _, id := range rejectIDs {
		p.RejectIDs[id] = true
	}
	for _, id := range autoSignIDs {
		p.AutoSignID[id] = true
	}
	return p
}

// Evaluate implements Policy.
func (p *StaticPolicy) Evaluate(id string, _ map[string]interface{}) (autoReject, autoSign bool) {
	if p.RejectIDs[id] {
		return true, false
	}
	if p.AutoSignID[id] {
		return false, true
	}
	return false, p.AutoSign
}
