// Package coedit is the composition root for coordinating several people
// editing one shared record.
//
// It wires the coordination components to a storage adapter:
//
//   - **Presence** (pkg/presence): who is on the record, kept alive by heartbeats.
//   - **Field locks** (pkg/fieldlock): soft, expiring per-field locks so two
//     people do not type into the same field.
//   - **Conflict guard** (pkg/conflict): detects that someone else saved since
//     the record was loaded and asks the user to reload or overwrite.
//   - **Sessions** (pkg/session): one editing session per open tab, combining
//     the three above.
//
// The default adapter keeps one file per record in a local directory so
// several processes on a machine can share records. An in-memory adapter is
// provided for tests and single-process use.
//
// Usage:
//
//	store, err := coedit.Open(ctx, "./records", coedit.WithAutoInit(true))
//
//	s, err := coedit.NewSession(store, coedit.SessionConfig{
//		RecordID: "class-of-2026",
//		Label:    "Ms. Ada",
//		Handlers: coedit.Handlers{OnPeersChanged: render},
//	})
//	err = s.Open(ctx)
//	defer s.Close(ctx)
//
//	ok, err := s.Focus(ctx, "quotes.first")
package coedit
