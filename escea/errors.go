package escea

import "errors"

// ErrNoControllersResponded is surfaced from a broadcast probe that
// received zero replies. It is not a transport failure — the datagram
// layer itself returns an empty map with a nil error on pure silence — but
// Discovery wraps that case with this sentinel so scan loop logging can
// distinguish "nobody answered" from a transport failure. Malformed
// replies are dropped by the datagram layer, so a probe whose replies were
// all malformed also yields this sentinel. The scan loop
// treats it like any other non-fatal probe outcome: logged, then it
// continues.
var ErrNoControllersResponded = errors.New("escea: no controllers responded")
