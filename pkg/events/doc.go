/*
Package events provides an in-memory event broker for Foreman's pub/sub
messaging.

The broker broadcasts driver events (task lifecycle, worker health, session
lifecycle, stats updates) to interested subscribers over buffered channels.
Publishing never blocks the caller: events flow through a buffered channel
into a broadcast loop, and a subscriber whose buffer is full simply misses
the event. The broker is a delivery mechanism for observers, not a source of
truth; authoritative state lives in the driver.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.TaskID)
		}
	}()

	broker.Publish(&events.Event{
		Type:   events.EventTaskStarted,
		TaskID: "t1",
	})

Event types cover the task lifecycle (task.submitted through task.cancelled),
worker membership and health, session lifecycle, and periodic stats updates.
session.created is emitted exactly once per session, by the driver.
*/
package events
