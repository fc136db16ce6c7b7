package fleet

import (
    "time"
)

// Clock supplies monotonic wall time in milliseconds. The broadcaster uses it
// only for per-node error log rate limiting, so a coarse source is fine.
type Clock interface {
    CurrentTimeMillis() int64
}

type WallClock struct {
}

func (wallClock WallClock) CurrentTimeMillis() int64 {
    return time.Now().UnixMilli()
}
