// Package tracking assigns persistent identities to per-frame detections
// within one segment.
//
// # Responsibilities
//
// The Tracker interface is the collaborator contract the segment worker
// depends on: ResetIDs once per request, then one Track call per segment
// with that segment's full ordered detection sequence.
//
// Two implementations exist:
//
//   - LocalTracker runs in process. It follows the ByteTrack recipe:
//     high-confidence detections are associated first, low-confidence
//     detections are then used to keep already-confirmed tracks alive, and
//     association is solved optimally with the Hungarian method over an
//     IoU cost. Each track carries a constant-velocity Kalman filter on its
//     box centre.
//   - HTTPTracker forwards the sequence to a remote tracking service.
//
// # Identity
//
// Identities come from an IDSpace owned by the caller for the duration of
// one request. It is passed into every Track call, so two requests never
// share an allocation counter and no hidden process-wide state exists.
// Segments of the same request share one IDSpace, which keeps local ids
// distinct across segments.
package tracking
