/*
Package ledger records the latest outcome of every reconciliation check.

Each check is identified by a composite id:

	{entityKind}:{entityID}:{check}      domain:example.com:ns_records

Record overwrites the single stored row for that id and compares the new
(success, output) pair with the previous one. A difference, or the absence
of a previous row, is a transition and is handed to every Sink:

	Record ──> store.PutStatusCheck
	   │
	   └─ changed? ──> LogSink    structured log line
	                   EventSink  events broker (SSE stream)
	                   RedisSink  JSON on a pub/sub channel

Notification volume therefore follows state changes, not check frequency.
Sink errors are logged and dropped. Calls for the same check id are
serialised so two concurrent runs cannot both report the same transition.
*/
package ledger
