package format

import (
	"fmt"
	"time"
)

// Clock renders d truncated to whole seconds as H:MM:SS, prefixed with the
// number of days once d reaches a day: "0:04:05", "2 days, 3:04:05".
func Clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	seconds := int64(d / time.Second)
	days := seconds / 86400
	seconds %= 86400

	clock := fmt.Sprintf("%d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}
