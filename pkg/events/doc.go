/*
Package events provides an in-memory event broker for pipeline pub/sub.

The broker broadcasts task lifecycle events (created, completed, failed,
retrying, cancelled) and stage milestones (archive extracted, cleanup
completed) to interested subscribers. Publishing is non-blocking: events
flow through a buffered channel into a broadcast loop, and a subscriber
whose buffer is full is skipped rather than stalling the publisher.

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:   events.EventTaskCompleted,
		TaskID: task.ID,
	})

Subscribers receive every event type; filtering happens on the consumer
side. Delivery is best-effort and in-process only, which suits progress
streaming and log fan-out but not durable notification.
*/
package events
