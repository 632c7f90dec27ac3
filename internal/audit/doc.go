// Package audit records authorization decisions, tenant scope violations,
// tenant data mutations and policy changes.
//
// The engine only ever calls Emitter.Record. Emission is best effort:
// sink failures are logged and counted but never surface to the
// operation that produced the event. Durable storage and retention
// belong to the downstream consumer of the emitted stream.
//
//	emitter, err := audit.New(&audit.Config{
//	    Enabled:    true,
//	    Output:     "/var/log/tenantgate/audit.log",
//	    BufferSize: 1024,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emitter.Close()
//
//	emitter.Record(ctx, audit.NewEvent(audit.EventTypeDecision,
//	    "approve", "hr.leave.request", audit.OutcomeSuccess).
//	    WithSubject(orgID, userID))
package audit
