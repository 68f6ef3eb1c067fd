package spoof

// Guard is the reentrancy flag of one execution context. It is never
// shared between contexts, so it carries no lock.
type Guard struct {
	active bool
}

// Enter moves the guard from Idle to Active. ok is false if the guard was
// already Active; release is then nil. Otherwise release must be called on
// every path, typically with defer.
func (g *Guard) Enter() (release func(), ok bool) {
	if g.active {
		return nil, false
	}
	g.active = true
	return g.Exit, true
}

// Exit returns the guard to Idle unconditionally.
func (g *Guard) Exit() {
	g.active = false
}

// Active reports whether a synthesized packet is being handed off in this context.
func (g *Guard) Active() bool {
	return g.active
}
