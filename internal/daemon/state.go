package daemon

import "sync"

// State is the daemon's shared mutable state. One instance exists per
// Server and every handler holds it by pointer.
type State struct {
	mu             sync.RWMutex
	firewallActive bool

	// changeMu serializes firewall changes so the recorded value follows
	// the order in which ufw applied them.
	changeMu sync.Mutex

	onFirewallChange func(bool)
}

// NewState returns the startup state. The firewall is assumed active until
// a status query or toggle says otherwise.
func NewState() *State {
	return &State{firewallActive: true}
}

// OnFirewallChange registers fn to run on every recorded change. fn runs
// with the state locked and must not block.
func (s *State) OnFirewallChange(fn func(active bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFirewallChange = fn
}

// FirewallActive returns the last recorded firewall state.
func (s *State) FirewallActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firewallActive
}

// SetFirewallActive records the firewall state.
func (s *State) SetFirewallActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firewallActive = active
	if s.onFirewallChange != nil {
		s.onFirewallChange(active)
	}
}

// ChangeFirewall runs apply with other firewall changes held off and
// records the state it reports. Nothing is recorded when apply fails.
func (s *State) ChangeFirewall(apply func() (bool, error)) error {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	active, err := apply()
	if err != nil {
		return err
	}
	s.SetFirewallActive(active)
	return nil
}
