package output

import (
	"fmt"
	"time"
)

// Missing is printed for absent values.
const Missing = "—"

// Duration formats seconds as "Xh Ym", "Ym" or "Xs".
func Duration(seconds *int64) string {
	if seconds == nil {
		return Missing
	}
	return Seconds(*seconds)
}

func Seconds(s int64) string {
	h := s / 3600
	m := (s % 3600) / 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// TimeAgo formats the distance from t to now in the largest whole unit.
func TimeAgo(t *time.Time, now time.Time) string {
	if t == nil {
		return Missing
	}
	d := int64(now.Sub(*t).Seconds())
	switch {
	case d < 60:
		return fmt.Sprintf("%ds ago", d)
	case d < 3600:
		return fmt.Sprintf("%dm ago", d/60)
	case d < 86400:
		return fmt.Sprintf("%dh ago", d/3600)
	default:
		return fmt.Sprintf("%dd ago", d/86400)
	}
}

func Bytes(n int64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 && size > -1024 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.1f TB", size)
}
