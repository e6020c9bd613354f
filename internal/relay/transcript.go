package relay

// Turn is one exchange: what the user said and what the model answered, as
// transcribed by the remote.
type Turn struct {
	User  string `json:"user"`
	Model string `json:"model"`
}

// Empty reports whether neither side has said anything.
func (t Turn) Empty() bool { return t.User == "" && t.Model == "" }

// accumulator collects transcript fragments until the remote completes the
// turn. Owned by the event loop.
type accumulator struct {
	turn Turn
}

// add appends fragments and reports whether anything changed.
func (a *accumulator) add(user, model string) bool {
	a.turn.User += user
	a.turn.Model += model
	return user != "" || model != ""
}

// flush returns the accumulated turn and resets it.
func (a *accumulator) flush() Turn {
	t := a.turn
	a.turn = Turn{}
	return t
}
