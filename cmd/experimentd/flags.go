package main

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	Model      string
	EnvID      string
	Owner      string
	GroupID    string
	ParamsJSON string
	Wait       bool
}

// ContinueFlags holds flags for continue and continue-group.
type ContinueFlags struct {
	Owner      string
	ExtraSteps int
	Wait       bool
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	Group bool
}

// ClientFlags holds flags for client pool commands.
type ClientFlags struct {
	Address string
}

// WorkerFlags holds flags for the hidden worker command.
type WorkerFlags struct {
	ID string
}
