package build

// State is a step of the build pipeline.
type State string

const (
	StateInit           State = "init"
	StateFetching       State = "fetching"
	StateVerifying      State = "verifying"
	StateProvisioning   State = "provisioning"
	StatePartitioning   State = "partitioning"
	StatePopulating     State = "populating"
	StateInstallingBoot State = "installing-boot"
	StateCleaningUp     State = "cleaning-up"
	StateDone           State = "done"
	StateAborted        State = "aborted"
)

// Observer is notified of every state transition.
type Observer interface {
	Transition(from, to State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(from, to State)

func (f ObserverFunc) Transition(from, to State) {
	f(from, to)
}
