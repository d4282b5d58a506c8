package actor

// Step applies a reducer to a single (state, input) pair and returns the next
// state and effects. It does not execute effects.
func Step[S any](state S, input Input, reducer ReducerFunc[S]) (S, []Effect) {
	return reducer(state, input)
}

// Replay folds inputs through reducer starting at state and returns the final
// state together with every effect produced along the way, in order.
//
// It is the reducer-level equivalent of running the actor without a runtime and
// is used to assert on whole scenarios deterministically.
func Replay[S any](state S, reducer ReducerFunc[S], inputs ...Input) (S, []Effect) {
	var all []Effect
	for _, in := range inputs {
		var effects []Effect
		state, effects = reducer(state, in)
		all = append(all, effects...)
	}
	return state, all
}
