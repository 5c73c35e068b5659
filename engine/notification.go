// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package engine

// Notification topics.
const (
	TopicRequest = "request"
	TopicNetwork = "network"
	TopicAccount = "account"
)

// Note is a notification to subscribers about engine activity. Payload, when
// set, is a JSON-marshalable value specific to the topic.
type Note struct {
	Topic   string      `json:"topic"`
	Subject string      `json:"subject"`
	Details string      `json:"details"`
	Payload interface{} `json:"payload,omitempty"`
}

// notify sends a notification to all subscribers. Blocking channels are
// skipped.
func (e *Engine) notify(n *Note) {
	e.noteMtx.RLock()
	for _, ch := range e.noteChans {
		select {
		case ch <- n:
		default:
			e.log.Errorf("blocking notification channel")
		}
	}
	e.noteMtx.RUnlock()
}

// NotificationFeed returns a new receiving channel for notifications. The
// channel has capacity 16, and should be monitored for the lifetime of the
// Engine. Blocking channels are silently ignored.
func (e *Engine) NotificationFeed() <-chan *Note {
	ch := make(chan *Note, 16)
	e.noteMtx.Lock()
	e.noteChans = append(e.noteChans, ch)
	e.noteMtx.Unlock()
	return ch
}
