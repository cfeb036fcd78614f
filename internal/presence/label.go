package presence

import (
	"time"

	"github.com/dustin/go-humanize"
)

func humanizeSince(then, now time.Time) string {
	if now.Before(then) {
		then = now
	}
	return humanize.RelTime(then, now, "ago", "from now")
}
