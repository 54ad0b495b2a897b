/*
Package events provides an in-memory, fire-and-forget event broker
for record and job lifecycle notifications.

A Broker fans out published Events to any number of Subscriber
channels. Publish is non-blocking: an event that finds the broker's
own buffer full is dropped, and a subscriber whose buffer is full
simply misses the event rather than stalling the publisher. Nothing
in pkg/datamanager, pkg/job, or pkg/jobmanager depends on an event
actually being delivered — the broker is purely observational,
suitable for a CLI "watch" mode or metrics tap, not for driving
correctness-critical behavior.

# Event types

	EventRecordBound, EventRecordUnbound   — Data Manager Bind/Unbind
	EventJobPending, EventJobClaimed       — job submission and claim
	EventJobWaiting, EventJobDone, EventJobError — job state transitions

Only EventRecordBound and EventRecordUnbound are published by this
module (from datamanager.Manager.Bind and Unbind). The EventJob*
types are declared, but no package here publishes them.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for ev := range sub {
			fmt.Printf("%s %s %s\n", ev.Timestamp, ev.Type, ev.GID)
		}
	}()

A datamanager.Manager publishes through a Broker passed in via
datamanager.WithBroker; a Manager built without one skips publishing
entirely (see datamanager.Manager.publish).
*/
package events
