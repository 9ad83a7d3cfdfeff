package clocksync

import "errors"

// ErrMalformedSample is returned by AddSample when the four timestamps
// violate the ordering the NTP-style exchange requires. Per the component's
// failure semantics, callers are expected to drop the sample rather than
// treat this as fatal; the sample counter does not advance.
var ErrMalformedSample = errors.New("clocksync: malformed sample")
