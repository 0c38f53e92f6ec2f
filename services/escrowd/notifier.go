package escrowd

import (
	"taskpay/marketplace"
	"taskpay/notify"
)

// QueueNotifier bridges lifecycle notifications onto the delivery queue.
type QueueNotifier struct {
	queue *notify.Queue
}

// NewQueueNotifier wraps the queue as a marketplace notifier.
func NewQueueNotifier(queue *notify.Queue) *QueueNotifier {
	return &QueueNotifier{queue: queue}
}

// Notify enqueues the event for asynchronous delivery.
func (n *QueueNotifier) Notify(evt marketplace.Notification) {
	if n == nil || n.queue == nil {
		return
	}
	n.queue.Notify(notify.Event{
		Type:   evt.Type,
		UserID: evt.UserID,
		Link:   evt.Link,
	})
}
