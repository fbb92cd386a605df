// Package audit records connection and call events for the sysop.
//
// Events are written to the audit_events table and echoed to the log.
// Recorded kinds:
//   - [EventConnect]: a transport accepted a connection.
//   - [EventDisconnect]: a session ended (details carry the reason).
//   - [EventAuthFailure]: a login attempt failed.
//   - [EventLogin]: a user authenticated.
//   - [EventBlocked]: a connection was refused by the allow-list or rate limiter.
//   - [EventDoor]: a door program was run.
//   - [EventScriptFailure]: a session ended because a script failed.
//
// Old rows are removed by [Auditor.PurgeOlderThan], which the server's
// maintenance job runs on a schedule.
package audit
