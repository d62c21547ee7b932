package port

// Alerter surfaces errors to the user.
type Alerter interface {
	Alert(err error)
}

// Preview renders the local stream back to the user.
type Preview interface {
	Show(stream LocalStream)
	Clear()
}
