package sim

// Trace of an episode as (state, terrain patch, action, next state) steps
type Trace struct {
	states     []VehicleState
	patches    [][]float64
	actions    []Action
	nextStates []VehicleState
}

func NewTrace() *Trace {
	return &Trace{
		states:     make([]VehicleState, 0),
		patches:    make([][]float64, 0),
		actions:    make([]Action, 0),
		nextStates: make([]VehicleState, 0),
	}
}

func (t *Trace) Append(state VehicleState, patch []float64, action Action, nextState VehicleState) {
	t.states = append(t.states, state)
	t.patches = append(t.patches, patch)
	t.actions = append(t.actions, action)
	t.nextStates = append(t.nextStates, nextState)
}

func (t *Trace) Len() int {
	return len(t.states)
}

func (t *Trace) Get(i int) (VehicleState, []float64, Action, VehicleState, bool) {
	if i < 0 || i >= len(t.states) {
		return VehicleState{}, nil, Action{}, VehicleState{}, false
	}
	return t.states[i], t.patches[i], t.actions[i], t.nextStates[i], true
}

func (t *Trace) Last() (VehicleState, []float64, Action, VehicleState, bool) {
	return t.Get(len(t.states) - 1)
}
