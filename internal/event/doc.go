// Package event provides a pub-sub event bus for decoupled communication
// between sidecar components.
//
// # Main Types
//
//   - [Event]: Interface that all events implement (EventType and Timestamp)
//   - [Bus]: Synchronous pub-sub dispatcher, safe for concurrent use
//   - [Handler]: Function type for event handlers
//
// # Events
//
//   - [SupervisorStateEvent]: every supervisor state transition
//   - [HandshakeCompletedEvent]: a peer identity was exchanged
//   - [BatchSubmittedEvent], [BatchCompletedEvent]: task bridge round-trips
//
// # Basic Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeSupervisorState, func(e event.Event) {
//	    st := e.(event.SupervisorStateEvent)
//	    fmt.Println(st.Phase, st.Attempt)
//	})
//	bus.Publish(event.NewSupervisorStateEvent("running", 1, "ab12cd34", 0, nil))
//
// Handlers run synchronously on the publisher's goroutine. A panicking
// handler is logged and does not stop delivery to the remaining handlers.
// Publishing on a nil *Bus is a no-op, so components can treat the bus as
// optional.
package event
