package verification

import "time"

// nowFn is indirected so tests can freeze time deterministically.
var nowFn = time.Now
