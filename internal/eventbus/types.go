package eventbus

// Event is one unit of work routed to a partition by Key.
type Event struct {
	Topic string // metrics and log label
	Key   string // ordering key, events with equal keys run in publish order
	Run   func()
}

// partition is one worker goroutine with its queue.
type partition struct {
	id    int
	queue chan *Event
}
